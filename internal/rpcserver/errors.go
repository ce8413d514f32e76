package rpcserver

import (
	"errors"
	"net/http"

	"datanode/internal/blockstore"
	"datanode/internal/location"
	"datanode/internal/registry"
	"datanode/internal/session"
)

// errorResponse is the JSON shape of an RPC error, matching
// internal/peerclient's errorResponse so a peer and an external caller
// parse errors the same way.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// codeFor classifies err into the error kinds of §7 ("Error kinds (not
// names)") plus the HTTP status an RPC retry policy should key off: 5xx
// for fatal/server-side conditions, 4xx for conditions the caller can
// see and react to, 409 for the replay/mismatch family, 429 for
// throttling (clearly distinct so retry policies back off instead of
// spinning).
func codeFor(err error) (status int, code string) {
	switch {
	case errors.Is(err, session.ErrNoSuchSession):
		return http.StatusNotFound, "no_such_session"
	case errors.Is(err, session.ErrSessionAlreadyExists):
		return http.StatusConflict, "session_already_exists"
	case errors.Is(err, registry.ErrChunkAlreadyExists):
		return http.StatusConflict, "chunk_already_exists"
	case errors.Is(err, registry.ErrChunkNotFound):
		return http.StatusNotFound, "no_such_chunk"
	case errors.Is(err, blockstore.ErrBlockNotFound):
		return http.StatusNotFound, "no_such_block"
	case errors.Is(err, session.ErrWindowOutOfRange):
		return http.StatusBadRequest, "window_error"
	case errors.Is(err, session.ErrBlockContentMismatch), errors.Is(err, blockstore.ErrBlockContentMismatch):
		return http.StatusConflict, "block_content_mismatch"
	case errors.Is(err, session.ErrWriteThrottlingActive):
		return http.StatusTooManyRequests, "write_throttling_active"
	case errors.Is(err, session.ErrNoLocationAvailable):
		return http.StatusServiceUnavailable, "no_location_available"
	case errors.Is(err, location.ErrNoSpaceLeft):
		return http.StatusInsufficientStorage, "no_space_left_on_device"
	case errors.Is(err, location.ErrLocationDisabled):
		return http.StatusServiceUnavailable, "io_error"
	case errors.Is(err, session.ErrPipelineFailed):
		return http.StatusBadGateway, "pipeline_failed"
	case errors.Is(err, session.ErrJournalNoSendBlocks):
		return http.StatusBadRequest, "pipeline_failed"
	case errors.Is(err, session.ErrSessionCancelled):
		return http.StatusConflict, "no_such_session"
	case errors.Is(err, session.ErrWindowNotFullyWritten), errors.Is(err, session.ErrBlockCountMismatch):
		return http.StatusBadRequest, "window_error"
	case errors.Is(err, blockstore.ErrChunkUnavailable):
		return http.StatusConflict, "chunk_unavailable"
	case errors.Is(err, blockstore.ErrUnknownLocation):
		return http.StatusInternalServerError, "io_error"
	default:
		return http.StatusInternalServerError, "io_error"
	}
}
