package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/status"
)

// DefaultTimeout bounds how long a proposal waits for quorum.
const DefaultTimeout = time.Second

// DefaultLease is the leader lease; a follower campaigns after not hearing
// a heartbeat for this long.
const DefaultLease = 5 * time.Second

// applyFailureLimit is how many times one entry may fail with a transient
// error before the replica declares itself diverged and goes read-only.
const applyFailureLimit = 10

// Config assembles a Cluster.
type Config struct {
	// SelfID identifies this replica; it must be a key of Peers.
	SelfID string
	// Peers is every replica in the cluster, including self.
	Peers  map[string]Peer
	Secret string
	// DataDir holds the replication log and checkpoint.
	DataDir string

	// Timeout bounds quorum waits; 0 means DefaultTimeout.
	Timeout time.Duration
	// Lease is the leader lease; 0 means DefaultLease.
	Lease time.Duration

	MaxLogCount int
	MinLogAge   time.Duration

	Status *status.Manager
	Local  *executor.Executor
	Logger *zap.Logger
}

type applyOutcome struct {
	res executor.Result
	err error
}

// Cluster coordinates quorum replication: the leader appends proposals to
// its log, replicates them to a majority, then every replica applies
// committed entries in sequence order through the local executor.
type Cluster struct {
	selfID  string
	zone    string
	peers   map[string]Peer
	tr      *Transport
	wal     *Log
	hub     *streamHub
	global  *elector
	zonal   *elector
	status  *status.Manager
	local   *executor.Executor
	timeout time.Duration

	statePath     string
	truncateEvery time.Duration

	mu          sync.Mutex
	state       State
	commitSeq   uint64
	diverged    bool
	waiters     map[uint64]chan applyOutcome
	applySignal chan struct{}

	proposeMu sync.Mutex // serializes leader proposals

	// forward handles commands received over /cluster/forward; set by the
	// replicated executor so forwarded writes go through its pipeline.
	forward func(ctx context.Context, cmd command.Command) (executor.Result, error)

	log *zap.Logger
}

// New creates a Cluster, opening the replication log and checkpoint under
// cfg.DataDir. Call Run to start participating.
func New(cfg Config) (*Cluster, error) {
	self, ok := cfg.Peers[cfg.SelfID]
	if !ok {
		return nil, fmt.Errorf("replication: replica %q not in peer map", cfg.SelfID)
	}
	logger := cfg.Logger.Named("cluster")
	wal, err := OpenLog(filepath.Join(cfg.DataDir, "log"), cfg.MaxLogCount, cfg.MinLogAge, logger)
	if err != nil {
		return nil, err
	}
	statePath := filepath.Join(cfg.DataDir, "state")
	st, err := LoadState(statePath)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	tr := NewTransport(cfg.Secret, timeout, logger)

	c := &Cluster{
		selfID:        cfg.SelfID,
		zone:          self.Zone,
		peers:         cfg.Peers,
		tr:            tr,
		wal:           wal,
		hub:           newStreamHub(logger),
		status:        cfg.Status,
		local:         cfg.Local,
		timeout:       timeout,
		statePath:     statePath,
		truncateEvery: 10 * time.Minute,
		state:         st,
		commitSeq:     st.LastApplied,
		waiters:       make(map[uint64]chan applyOutcome),
		applySignal:   make(chan struct{}, 1),
		log:           logger,
	}

	others := make(map[string]string)
	zonePeers := make(map[string]string)
	for id, p := range cfg.Peers {
		if id == cfg.SelfID {
			continue
		}
		others[id] = peerURL(p)
		if p.Zone != "" && p.Zone == self.Zone {
			zonePeers[id] = peerURL(p)
		}
	}
	c.global = newElector("global", cfg.SelfID, others, tr, lease, st.Epoch, logger)
	c.global.commitSeq = c.CommitSeq
	c.global.lastApplied = c.LastApplied
	c.global.onCommitSeq = c.learnCommitSeq
	c.global.onTake = c.onLeadership
	c.global.onRelease = func() { c.log.Info("released leadership") }
	if self.Zone != "" {
		c.zonal = newElector(self.Zone, cfg.SelfID, zonePeers, tr, lease, 0, logger)
	}
	return c, nil
}

func peerURL(p Peer) string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// Run participates in the cluster until ctx is done: elections, the apply
// loop, and the follower-side entry stream.
func (c *Cluster) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); c.global.Run(ctx) }()
	if c.zonal != nil {
		wg.Add(1)
		go func() { defer wg.Done(); c.zonal.Run(ctx) }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); c.applyLoop(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); c.truncateLoop(ctx) }()

	sc := &streamClient{
		secret:    c.tr.secret,
		leaderURL: c.leaderStreamURL,
		onEntry:   c.acceptCommitted,
		log:       c.log,
	}
	wg.Add(1)
	go func() { defer wg.Done(); sc.Run(ctx) }()
	wg.Wait()
	c.wal.Close()
}

// IsLeader reports whether this replica currently leads the cluster.
func (c *Cluster) IsLeader() bool {
	_, leading := c.global.Leader()
	return leading
}

// IsZoneLeader reports whether this replica leads its zone. Without zone
// configuration every replica is its own zone leader.
func (c *Cluster) IsZoneLeader() bool {
	if c.zonal == nil {
		return true
	}
	_, leading := c.zonal.Leader()
	return leading
}

// LeaderURL returns the current leader's peer endpoint, or "" when unknown
// or when this replica leads.
func (c *Cluster) LeaderURL() string {
	id, leading := c.global.Leader()
	if leading || id == "" {
		return ""
	}
	p, ok := c.peers[id]
	if !ok {
		return ""
	}
	return peerURL(p)
}

func (c *Cluster) leaderStreamURL() string {
	url := c.LeaderURL()
	if url == "" {
		return ""
	}
	return "ws" + url[len("http"):] + "/cluster/stream"
}

// CommitSeq returns the highest sequence known to be quorum-committed.
func (c *Cluster) CommitSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitSeq
}

// LastApplied returns the sequence of the last entry applied locally.
func (c *Cluster) LastApplied() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastApplied
}

// Await blocks until the local replica has applied at least seq, giving
// readers read-your-writes against a follower. Returns ErrDiverged if the
// replica stopped applying.
func (c *Cluster) Await(ctx context.Context, seq uint64) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		c.mu.Lock()
		applied, diverged := c.state.LastApplied, c.diverged
		c.mu.Unlock()
		if diverged {
			return executor.ErrDiverged
		}
		if applied >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// SetForwardHandler installs the handler for commands forwarded by
// followers. Must be set before Run.
func (c *Cluster) SetForwardHandler(fn func(ctx context.Context, cmd command.Command) (executor.Result, error)) {
	c.forward = fn
}

// Forward relays a command to the current leader on behalf of a local
// client.
func (c *Cluster) Forward(ctx context.Context, cmd command.Command) (executor.Result, error) {
	addr := c.LeaderURL()
	if addr == "" {
		return executor.Result{}, fmt.Errorf("no leader known: %w", executor.ErrNotLeader)
	}
	return c.tr.Forward(ctx, addr, cmd)
}

// onLeadership persists the new epoch and lets replication catch the
// replica up before it serves.
func (c *Cluster) onLeadership(epoch uint64) {
	c.mu.Lock()
	c.state.Epoch = epoch
	st := c.state
	c.mu.Unlock()
	if err := SaveState(c.statePath, st); err != nil {
		c.log.Error("persist epoch", zap.Error(err))
	}
}

func (c *Cluster) learnCommitSeq(seq uint64) {
	c.mu.Lock()
	if seq > c.commitSeq {
		c.commitSeq = seq
		c.mu.Unlock()
		c.kickApply()
		return
	}
	c.mu.Unlock()
}

func (c *Cluster) kickApply() {
	select {
	case c.applySignal <- struct{}{}:
	default:
	}
}

// Propose replicates a command to a quorum and waits for it to apply
// locally, returning the local executor's result. Leader only.
func (c *Cluster) Propose(ctx context.Context, cmd command.Command) (executor.Result, error) {
	if !c.IsLeader() {
		return executor.Result{}, executor.ErrNotLeader
	}
	wire, err := command.Marshal(cmd)
	if err != nil {
		return executor.Result{}, err
	}

	c.proposeMu.Lock()
	if !c.IsLeader() {
		c.proposeMu.Unlock()
		return executor.Result{}, executor.ErrNotLeader
	}
	entry := Entry{Seq: c.wal.NextSeq(), Epoch: c.global.Epoch(), Command: wire}
	if err := c.wal.Append(entry); err != nil {
		c.proposeMu.Unlock()
		return executor.Result{}, fmt.Errorf("%w: %v", executor.ErrReplication, err)
	}
	err = c.replicateToQuorum(ctx, entry)
	if err != nil {
		// The entry stays in the local log; a successor leader with it may
		// still commit it, so the caller must treat this as indeterminate.
		c.proposeMu.Unlock()
		return executor.Result{}, err
	}

	ch := make(chan applyOutcome, 1)
	c.mu.Lock()
	c.waiters[entry.Seq] = ch
	if entry.Seq > c.commitSeq {
		c.commitSeq = entry.Seq
	}
	c.mu.Unlock()
	c.proposeMu.Unlock()

	c.hub.Broadcast(entry)
	c.kickApply()
	return c.await(ctx, entry.Seq, ch)
}

func (c *Cluster) await(ctx context.Context, seq uint64, ch chan applyOutcome) (executor.Result, error) {
	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, seq)
		c.mu.Unlock()
		return executor.Result{}, ctx.Err()
	}
}

// replicateToQuorum pushes one entry to peers until a majority (counting
// self) has durably acknowledged it, or the replication timeout expires.
func (c *Cluster) replicateToQuorum(ctx context.Context, entry Entry) error {
	need := (len(c.peers))/2 + 1 // majority of all replicas
	if need <= 1 {
		return nil // standalone quorum of one
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	acks := make(chan bool, len(c.peers))
	for id, p := range c.peers {
		if id == c.selfID {
			continue
		}
		go func(id, addr string) {
			acks <- c.replicateTo(ctx, id, addr, entry)
		}(id, peerURL(p))
	}

	got := 1 // self, already fsynced
	for i := 0; i < len(c.peers)-1; i++ {
		select {
		case ok := <-acks:
			if ok {
				got++
				if got >= need {
					return nil
				}
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: %d/%d acks for seq %d",
				executor.ErrReplicationTimeout, got, need, entry.Seq)
		}
	}
	return fmt.Errorf("%w: %d/%d acks for seq %d",
		executor.ErrReplicationTimeout, got, need, entry.Seq)
}

// replicateTo delivers one entry to a peer, back-filling any entries the
// peer is missing first.
func (c *Cluster) replicateTo(ctx context.Context, id, addr string, entry Entry) bool {
	req := replicateRequest{Epoch: entry.Epoch, Entry: entry}
	for {
		resp, err := c.tr.Replicate(ctx, addr, req)
		if err != nil {
			c.log.Debug("replicate failed", zap.String("peer", id), zap.Error(err))
			return false
		}
		if resp.Accepted {
			return true
		}
		if resp.NextSeq == 0 || resp.NextSeq >= entry.Seq {
			return false
		}
		// Peer is behind: fill the gap from our log.
		missing, err := c.wal.Read(resp.NextSeq, int(entry.Seq-resp.NextSeq))
		if err != nil || len(missing) == 0 {
			return false
		}
		for _, m := range missing {
			mr, err := c.tr.Replicate(ctx, addr, replicateRequest{Epoch: entry.Epoch, Entry: m})
			if err != nil || !mr.Accepted {
				return false
			}
		}
	}
}

// acceptCommitted ingests a committed entry from the leader's stream.
func (c *Cluster) acceptCommitted(e Entry) {
	if e.Seq == c.wal.NextSeq() {
		if err := c.wal.Append(e); err != nil {
			c.log.Warn("append streamed entry", zap.Uint64("seq", e.Seq), zap.Error(err))
		}
	}
	c.learnCommitSeq(e.Seq)
}

// applyLoop applies committed entries to local storage in strict sequence
// order. Deterministic command outcomes, including failures like a stale
// push base, are delivered to waiters and never stop the loop; an entry
// that keeps failing with transient errors marks the replica diverged and
// read-only.
func (c *Cluster) applyLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.applySignal:
		case <-ticker.C:
		}
		for {
			c.mu.Lock()
			next := c.state.LastApplied + 1
			ready := !c.diverged && next <= c.commitSeq
			c.mu.Unlock()
			if !ready {
				break
			}
			if !c.applyNext(ctx, next) {
				break
			}
		}
	}
}

// applyNext applies the entry at seq. Returns false when the loop should
// stop making progress for now.
func (c *Cluster) applyNext(ctx context.Context, seq uint64) bool {
	entry, ok := c.fetchEntry(ctx, seq)
	if !ok {
		return false
	}

	cmd, err := command.Unmarshal(entry.Command)
	if err != nil {
		c.divergence(seq, fmt.Errorf("undecodable committed entry: %w", err))
		return false
	}

	var out applyOutcome
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 2 * time.Second
	failures := 0
	for {
		out.res, out.err = c.local.Apply(ctx, cmd)
		if out.err == nil || errorKind(out.err) != kindInternal {
			break
		}
		failures++
		if failures >= applyFailureLimit {
			c.divergence(seq, out.err)
			return false
		}
		c.log.Warn("apply failed, retrying",
			zap.Uint64("seq", seq), zap.Int("attempt", failures), zap.Error(out.err))
		select {
		case <-time.After(policy.NextBackOff()):
		case <-ctx.Done():
			return false
		}
	}

	c.mu.Lock()
	c.state.LastApplied = seq
	st := c.state
	ch := c.waiters[seq]
	delete(c.waiters, seq)
	c.mu.Unlock()
	if err := SaveState(c.statePath, st); err != nil {
		c.log.Error("persist checkpoint", zap.Uint64("seq", seq), zap.Error(err))
	}
	if ch != nil {
		ch <- out
	}
	return true
}

// fetchEntry reads the entry at seq from the local log, pulling it from
// the leader when the stream skipped it.
func (c *Cluster) fetchEntry(ctx context.Context, seq uint64) (Entry, bool) {
	entries, err := c.wal.Read(seq, 1)
	if err == nil && len(entries) > 0 && entries[0].Seq == seq {
		return entries[0], true
	}
	addr := c.LeaderURL()
	if addr == "" {
		return Entry{}, false
	}
	fetched, err := c.tr.FetchEntries(ctx, addr, c.wal.NextSeq(), 128)
	if err != nil {
		c.log.Debug("catch-up fetch failed", zap.Error(err))
		return Entry{}, false
	}
	for _, e := range fetched {
		if e.Seq == c.wal.NextSeq() {
			if err := c.wal.Append(e); err != nil {
				return Entry{}, false
			}
		}
	}
	entries, err = c.wal.Read(seq, 1)
	if err != nil || len(entries) == 0 || entries[0].Seq != seq {
		return Entry{}, false
	}
	return entries[0], true
}

// divergence takes the replica out of the write path permanently: its
// state no longer matches the committed log and only an operator can
// restore it.
func (c *Cluster) divergence(seq uint64, cause error) {
	c.mu.Lock()
	if c.diverged {
		c.mu.Unlock()
		return
	}
	c.diverged = true
	waiters := c.waiters
	c.waiters = make(map[uint64]chan applyOutcome)
	c.mu.Unlock()

	c.log.Error("replica diverged from the committed log; going read-only",
		zap.Uint64("seq", seq), zap.Error(cause))
	c.status.SetReplicating(false)
	for _, ch := range waiters {
		ch <- applyOutcome{err: fmt.Errorf("%w: %v", executor.ErrDiverged, cause)}
	}
}

// Diverged reports whether the replica has stopped applying.
func (c *Cluster) Diverged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diverged
}

// Routes returns the peer-facing HTTP API, authenticated by the shared
// cluster secret.
func (c *Cluster) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(checkSecret(c.tr.secret))
	r.Post("/cluster/vote", c.handleVote)
	r.Post("/cluster/heartbeat", c.handleHeartbeat)
	r.Post("/cluster/replicate", c.handleReplicate)
	r.Post("/cluster/forward", c.handleForward)
	r.Get("/cluster/entries", c.handleEntries)
	r.Get("/cluster/stream", c.hub.ServeHTTP)
	return r
}

func (c *Cluster) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e := c.electorFor(req.Scope)
	if e == nil {
		http.Error(w, "unknown scope", http.StatusBadRequest)
		return
	}
	writeJSON(w, e.HandleVote(req))
}

func (c *Cluster) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e := c.electorFor(req.Scope)
	if e == nil {
		http.Error(w, "unknown scope", http.StatusBadRequest)
		return
	}
	writeJSON(w, e.HandleHeartbeat(req))
}

func (c *Cluster) electorFor(scope string) *elector {
	if scope == "global" {
		return c.global
	}
	if c.zonal != nil && scope == c.zone {
		return c.zonal
	}
	return nil
}

func (c *Cluster) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Epoch < c.global.Epoch() {
		writeJSON(w, replicateResponse{Accepted: false, NextSeq: c.wal.NextSeq()})
		return
	}
	next := c.wal.NextSeq()
	if req.Entry.Seq != next {
		if req.Entry.Seq < next {
			// Already have it; durable, so acknowledge.
			writeJSON(w, replicateResponse{Accepted: true, NextSeq: next})
			return
		}
		writeJSON(w, replicateResponse{Accepted: false, NextSeq: next})
		return
	}
	if err := c.wal.Append(req.Entry); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, replicateResponse{Accepted: true, NextSeq: c.wal.NextSeq()})
}

func (c *Cluster) handleForward(w http.ResponseWriter, r *http.Request) {
	if c.forward == nil {
		http.Error(w, "forwarding not available", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024*1024))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd, err := command.Unmarshal(body)
	if err != nil {
		writeJSON(w, forwardResponse{Error: err.Error(), Kind: errorKind(err)})
		return
	}
	res, err := c.forward(r.Context(), cmd)
	if err != nil {
		writeJSON(w, forwardResponse{Error: err.Error(), Kind: errorKind(err)})
		return
	}
	writeJSON(w, forwardResponse{Result: &res})
}

func (c *Cluster) handleEntries(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	max, _ := strconv.Atoi(r.URL.Query().Get("max"))
	if from == 0 {
		from = 1
	}
	if max <= 0 || max > 1024 {
		max = 128
	}
	// Only committed entries leave the leader.
	commit := c.CommitSeq()
	entries, err := c.wal.Read(from, max)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Seq <= commit {
			out = append(out, e)
		}
	}
	if out == nil {
		out = []Entry{}
	}
	writeJSON(w, out)
}

// truncateLoop enforces log retention in the background. Every replica
// truncates independently, and only entries it has already applied.
func (c *Cluster) truncateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.truncateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.TruncateLog(); err != nil {
			c.log.Warn("log truncation", zap.Error(err))
		}
	}
}

// TruncateLog drops committed log entries past the retention policy.
func (c *Cluster) TruncateLog() error {
	c.mu.Lock()
	horizon := c.state.LastApplied
	c.mu.Unlock()
	if horizon == 0 {
		return nil
	}
	return c.wal.Truncate(horizon + 1)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	// Encode errors mean the client went away mid-response.
	_ = json.NewEncoder(w).Encode(v)
}
