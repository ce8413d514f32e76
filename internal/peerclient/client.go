// Package peerclient is the net/http-based client used for send_blocks
// pipelining and peer-hint propagation (§4.3, §4.4). It implements
// session.PeerForwarder so internal/session never needs a transport
// dependency of its own (Design Notes §9).
//
// Address resolution is a construction-injected Resolver rather than a
// cluster-membership lookup, and connection pooling comes from
// net/http's own per-host Transport reuse rather than a hand-rolled map
// of dialed connections.
package peerclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"datanode/internal/chunkid"
	"datanode/internal/session"
)

// ErrPeerUnresolved is returned when the configured Resolver cannot map
// a target node id to a dialable address.
var ErrPeerUnresolved = errors.New("peer address could not be resolved")

// Resolver maps a node id to a dialable base address
// ("https://host:port"), the one seam through which this client learns
// cluster membership.
type Resolver interface {
	Resolve(nodeID string) (string, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(nodeID string) (string, error)

func (f ResolverFunc) Resolve(nodeID string) (string, error) { return f(nodeID) }

// Config configures a Client.
type Config struct {
	Resolver Resolver
	// TLSConfig, when set, is used for mTLS to peers (built by the
	// caller from its own certificate material). Nil means plaintext HTTP,
	// used in tests and single-node setups.
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// Client is the concrete session.PeerForwarder implementation plus the
// peer-hint push used by the block store's read path.
type Client struct {
	resolver Resolver
	http     *http.Client
}

// New constructs a Client. cfg.Resolver must be non-nil.
func New(cfg Config) *Client {
	transport := &http.Transport{}
	if cfg.TLSConfig != nil {
		transport.TLSClientConfig = cfg.TLSConfig
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		resolver: cfg.Resolver,
		http:     &http.Client{Transport: transport, Timeout: timeout},
	}
}

type putBlocksRequest struct {
	ChunkID         string   `json:"chunk_id"`
	MediumIndex     int      `json:"medium_index"`
	FirstBlockIndex uint32   `json:"first_block_index"`
	Blocks          [][]byte `json:"blocks"`
}

// PutBlocks implements session.PeerForwarder: it pushes locally-held
// block bytes to target as part of send_blocks pipelining.
func (c *Client) PutBlocks(ctx context.Context, target string, id session.SessionID, firstBlockIndex uint32, blocks [][]byte) error {
	req := putBlocksRequest{
		ChunkID:         id.ChunkID.String(),
		MediumIndex:     id.MediumIndex,
		FirstBlockIndex: firstBlockIndex,
		Blocks:          blocks,
	}
	return c.post(ctx, target, "PutBlocks", req, nil)
}

var _ session.PeerForwarder = (*Client)(nil)

// PeerHint names a block and the peer now known to hold it, pushed
// opportunistically after a local disk read so future requests for the
// same block can be redirected (§4.4).
type PeerHint struct {
	ChunkID chunkid.ChunkID
	Index   uint32
	PeerID  string
}

type updatePeerRequest struct {
	ChunkID string `json:"chunk_id"`
	Index   uint32 `json:"index"`
	PeerID  string `json:"peer_id"`
}

// UpdatePeer notifies target that PeerID now holds the named block.
func (c *Client) UpdatePeer(ctx context.Context, target string, hint PeerHint) error {
	req := updatePeerRequest{ChunkID: hint.ChunkID.String(), Index: hint.Index, PeerID: hint.PeerID}
	return c.post(ctx, target, "UpdatePeer", req, nil)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) post(ctx context.Context, target, method string, body, out any) error {
	addr, err := c.resolver.Resolve(target)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPeerUnresolved, target, err)
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/rpc/"+method, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s to %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBytes, _ := io.ReadAll(resp.Body)
		var errBody errorResponse
		if jsonErr := json.Unmarshal(respBytes, &errBody); jsonErr == nil && errBody.Message != "" {
			return fmt.Errorf("%s to %s: %s: %s", method, target, errBody.Code, errBody.Message)
		}
		return fmt.Errorf("%s to %s: unexpected status %d", method, target, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	return nil
}
