package replication

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/storage"
)

// secretHeader authenticates peer requests. Every replica in the cluster
// shares one secret from the replication config; requests without it are
// rejected before any handler runs.
const secretHeader = "X-Dogma-Cluster-Secret"

// Wire shapes of the peer RPCs. Scope distinguishes the global election
// from per-zone elections sharing the same endpoints.
type voteRequest struct {
	Scope     string `json:"scope"`
	Candidate string `json:"candidate"`
	Epoch     uint64 `json:"epoch"`
}

type voteResponse struct {
	Granted bool   `json:"granted"`
	Epoch   uint64 `json:"epoch"`
}

type heartbeatRequest struct {
	Scope     string `json:"scope"`
	Leader    string `json:"leader"`
	Epoch     uint64 `json:"epoch"`
	CommitSeq uint64 `json:"commitSeq"`
}

type heartbeatResponse struct {
	Epoch       uint64 `json:"epoch"`
	LastApplied uint64 `json:"lastApplied"`
}

type replicateRequest struct {
	Epoch uint64 `json:"epoch"`
	Entry Entry  `json:"entry"`
}

type replicateResponse struct {
	Accepted bool   `json:"accepted"`
	NextSeq  uint64 `json:"nextSeq"`
}

type forwardResponse struct {
	Result *executor.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Kind   string           `json:"kind,omitempty"`
}

// Transport is the HTTP client side of the peer protocol.
type Transport struct {
	secret string
	client *http.Client
	log    *zap.Logger
}

// NewTransport creates a Transport. timeout bounds each peer round-trip;
// forwarded commands get their own, longer deadline from the caller's ctx.
func NewTransport(secret string, timeout time.Duration, logger *zap.Logger) *Transport {
	return &Transport{
		secret: secret,
		client: &http.Client{Timeout: timeout},
		log:    logger.Named("transport"),
	}
}

func (t *Transport) post(ctx context.Context, baseURL, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("replication: marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("replication: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, t.secret)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("replication: %s to %s: %w", path, baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("replication: %s to %s: status %d: %s", path, baseURL, resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("replication: decode %s response: %w", path, err)
	}
	return nil
}

// RequestVote asks a peer to grant leadership for an epoch.
func (t *Transport) RequestVote(ctx context.Context, baseURL string, req voteRequest) (voteResponse, error) {
	var resp voteResponse
	err := t.post(ctx, baseURL, "/cluster/vote", req, &resp)
	return resp, err
}

// Heartbeat renews the leader's lease with a peer and learns how far the
// peer has applied.
func (t *Transport) Heartbeat(ctx context.Context, baseURL string, req heartbeatRequest) (heartbeatResponse, error) {
	var resp heartbeatResponse
	err := t.post(ctx, baseURL, "/cluster/heartbeat", req, &resp)
	return resp, err
}

// Replicate offers a proposed entry to a peer for durable acknowledgment.
func (t *Transport) Replicate(ctx context.Context, baseURL string, req replicateRequest) (replicateResponse, error) {
	var resp replicateResponse
	err := t.post(ctx, baseURL, "/cluster/replicate", req, &resp)
	return resp, err
}

// FetchEntries pulls committed entries starting at from, for catch-up.
func (t *Transport) FetchEntries(ctx context.Context, baseURL string, from uint64, max int) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/cluster/entries?from=%d&max=%d", baseURL, from, max), nil)
	if err != nil {
		return nil, fmt.Errorf("replication: build entries request: %w", err)
	}
	req.Header.Set(secretHeader, t.secret)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replication: fetch entries from %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("replication: fetch entries from %s: status %d", baseURL, resp.StatusCode)
	}
	var out []Entry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("replication: decode entries: %w", err)
	}
	return out, nil
}

// Forward submits a command to the leader on behalf of a local client and
// relays the outcome. Uses the caller's context rather than the transport
// timeout: a forwarded push waits for quorum commit on the leader.
func (t *Transport) Forward(ctx context.Context, baseURL string, cmd command.Command) (executor.Result, error) {
	wire, err := command.Marshal(cmd)
	if err != nil {
		return executor.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/cluster/forward", bytes.NewReader(wire))
	if err != nil {
		return executor.Result{}, fmt.Errorf("replication: build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, t.secret)

	resp, err := t.client.Do(req)
	if err != nil {
		return executor.Result{}, fmt.Errorf("%w: forward to %s: %v", executor.ErrNotLeader, baseURL, err)
	}
	defer resp.Body.Close()
	var fr forwardResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return executor.Result{}, fmt.Errorf("replication: decode forward response: %w", err)
	}
	if fr.Error != "" {
		return executor.Result{}, kindError(fr.Kind, fr.Error)
	}
	if fr.Result == nil {
		return executor.Result{}, fmt.Errorf("replication: empty forward response from %s", baseURL)
	}
	return *fr.Result, nil
}

// checkSecret guards peer endpoints with a constant-time secret compare.
func checkSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(secretHeader)
			if got == "" && r.URL.Query().Get("secret") != "" {
				// WebSocket clients cannot always set headers.
				got = r.URL.Query().Get("secret")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Error kinds carried across the forward RPC so the follower can hand the
// caller the same sentinel the leader saw.
const (
	kindReadOnly  = "READ_ONLY"
	kindNotLeader = "NOT_LEADER"
	kindTimeout   = "REPLICATION_TIMEOUT"
	kindDiverged  = "DIVERGED"
	kindInvalid   = "INVALID"
	kindConflict  = "CONFLICT"
	kindNotFound  = "NOT_FOUND"
	kindExists    = "EXISTS"
	kindInternal  = "INTERNAL"
)

func errorKind(err error) string {
	switch {
	case errors.Is(err, executor.ErrReadOnly):
		return kindReadOnly
	case errors.Is(err, executor.ErrNotLeader):
		return kindNotLeader
	case errors.Is(err, executor.ErrReplicationTimeout):
		return kindTimeout
	case errors.Is(err, executor.ErrDiverged):
		return kindDiverged
	case errors.Is(err, command.ErrInvalid), errors.Is(err, command.ErrDecode),
		errors.Is(err, storage.ErrInvalidChange), errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, storage.ErrInvalidRetention), errors.Is(err, executor.ErrDeprecated):
		return kindInvalid
	case errors.Is(err, storage.ErrConflict):
		return kindConflict
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrRevisionNotFound):
		return kindNotFound
	case errors.Is(err, storage.ErrExists), errors.Is(err, storage.ErrAlreadyRemoved),
		errors.Is(err, storage.ErrNotRemoved):
		return kindExists
	default:
		return kindInternal
	}
}

func kindError(kind, msg string) error {
	var sentinel error
	switch kind {
	case kindReadOnly:
		sentinel = executor.ErrReadOnly
	case kindNotLeader:
		sentinel = executor.ErrNotLeader
	case kindTimeout:
		sentinel = executor.ErrReplicationTimeout
	case kindDiverged:
		sentinel = executor.ErrDiverged
	case kindInvalid:
		sentinel = command.ErrInvalid
	case kindConflict:
		sentinel = storage.ErrConflict
	case kindNotFound:
		sentinel = storage.ErrNotFound
	case kindExists:
		sentinel = storage.ErrExists
	default:
		return errors.New(msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
