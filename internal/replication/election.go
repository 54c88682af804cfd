package replication

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Peer is one replica in the cluster, addressed by its HTTP peer endpoint.
type Peer struct {
	Host string
	Port int
	Zone string
}

// elector runs one lease-based election: the cluster-wide one (scope
// "global") or a per-zone one (scope = zone name). A candidate takes
// leadership when a majority of the electorate grants its epoch; the lease
// is renewed by heartbeats and expires when a follower stops hearing them.
// Epochs only grow, so a deposed leader's appends are fenced by every peer
// that has adopted the newer epoch.
type elector struct {
	scope    string
	selfID   string
	peers    map[string]string // id -> base URL, electorate for this scope
	tr       *Transport
	lease    time.Duration
	interval time.Duration

	commitSeq   func() uint64
	lastApplied func() uint64
	onTake      func(epoch uint64)
	onRelease   func()
	onCommitSeq func(seq uint64) // follower learns the leader's commit horizon

	mu         sync.Mutex
	epoch      uint64 // highest epoch seen
	votedEpoch uint64 // highest epoch this replica granted a vote for
	leader     string
	isLeader   bool
	deadline   time.Time // lease expiry while following

	log *zap.Logger
}

func newElector(scope, selfID string, peers map[string]string, tr *Transport,
	lease time.Duration, startEpoch uint64, logger *zap.Logger) *elector {
	return &elector{
		scope:    scope,
		selfID:   selfID,
		peers:    peers,
		tr:       tr,
		lease:    lease,
		interval: lease / 3,
		epoch:    startEpoch,
		log:      logger.Named("election").With(zap.String("scope", scope)),
	}
}

// quorum is a majority of the electorate including self.
func (e *elector) quorum() int {
	return (len(e.peers)+1)/2 + 1
}

// Leader reports the current leader id and whether it is this replica.
func (e *elector) Leader() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader, e.isLeader
}

// Epoch returns the highest epoch this replica has seen.
func (e *elector) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Run drives the election until ctx is done. Single replica electorates
// (no peers) take leadership immediately and keep it.
func (e *elector) Run(ctx context.Context) {
	if len(e.peers) == 0 {
		e.mu.Lock()
		e.epoch++
		e.leader = e.selfID
		e.isLeader = true
		epoch := e.epoch
		e.mu.Unlock()
		e.log.Info("sole replica, taking leadership", zap.Uint64("epoch", epoch))
		if e.onTake != nil {
			e.onTake(epoch)
		}
		<-ctx.Done()
		return
	}

	// Stagger the first campaign so replicas started together do not
	// split the vote forever.
	jitter := time.Duration(rand.Int63n(int64(e.lease)))
	e.mu.Lock()
	e.deadline = time.Now().Add(e.lease + jitter)
	e.mu.Unlock()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.stepDown("shutdown")
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		leading := e.isLeader
		expired := !leading && time.Now().After(e.deadline)
		e.mu.Unlock()

		switch {
		case leading:
			e.heartbeatPeers(ctx)
		case expired:
			e.campaign(ctx)
		}
	}
}

// campaign proposes self as leader for the next epoch. Losing a campaign
// just waits out another lease with fresh jitter.
func (e *elector) campaign(ctx context.Context) {
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.votedEpoch = epoch // vote for self
	e.deadline = time.Now().Add(e.lease + time.Duration(rand.Int63n(int64(e.lease))))
	e.mu.Unlock()

	e.log.Info("campaigning", zap.Uint64("epoch", epoch))
	granted := 1 // self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, addr := range e.peers {
		wg.Add(1)
		go func(id, addr string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, e.interval)
			defer cancel()
			resp, err := e.tr.RequestVote(cctx, addr, voteRequest{Scope: e.scope, Candidate: e.selfID, Epoch: epoch})
			if err != nil {
				e.log.Debug("vote request failed", zap.String("peer", id), zap.Error(err))
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.Granted {
				granted++
			} else if resp.Epoch > epoch {
				e.adoptEpoch(resp.Epoch)
			}
		}(id, addr)
	}
	wg.Wait()

	e.mu.Lock()
	if e.epoch != epoch || granted < e.quorum() {
		e.mu.Unlock()
		return
	}
	e.leader = e.selfID
	e.isLeader = true
	e.mu.Unlock()
	e.log.Info("took leadership", zap.Uint64("epoch", epoch), zap.Int("votes", granted))
	if e.onTake != nil {
		e.onTake(epoch)
	}
}

// heartbeatPeers renews the lease. A leader that cannot reach a majority
// steps down rather than serve writes it can no longer commit.
func (e *elector) heartbeatPeers(ctx context.Context) {
	e.mu.Lock()
	epoch := e.epoch
	e.mu.Unlock()
	var commit uint64
	if e.commitSeq != nil {
		commit = e.commitSeq()
	}

	reached := 1 // self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, addr := range e.peers {
		wg.Add(1)
		go func(id, addr string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, e.interval)
			defer cancel()
			resp, err := e.tr.Heartbeat(cctx, addr, heartbeatRequest{
				Scope: e.scope, Leader: e.selfID, Epoch: epoch, CommitSeq: commit,
			})
			if err != nil {
				e.log.Debug("heartbeat failed", zap.String("peer", id), zap.Error(err))
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.Epoch > epoch {
				e.adoptEpoch(resp.Epoch)
				return
			}
			reached++
		}(id, addr)
	}
	wg.Wait()

	e.mu.Lock()
	stillLeading := e.isLeader && e.epoch == epoch
	e.mu.Unlock()
	if stillLeading && reached < e.quorum() {
		e.stepDown("lost quorum")
	}
}

// adoptEpoch records a higher epoch learned from a peer. It takes e.mu
// itself so the vote and heartbeat aggregation goroutines can call it
// concurrently with the handlers.
func (e *elector) adoptEpoch(epoch uint64) {
	e.mu.Lock()
	if epoch <= e.epoch {
		e.mu.Unlock()
		return
	}
	e.epoch = epoch
	deposed := e.isLeader
	if deposed {
		e.isLeader = false
		e.leader = ""
		e.deadline = time.Now().Add(e.lease)
	}
	e.mu.Unlock()
	if deposed {
		e.log.Info("deposed by higher epoch", zap.Uint64("epoch", epoch))
		if e.onRelease != nil {
			go e.onRelease()
		}
	}
}

func (e *elector) stepDown(reason string) {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	e.leader = ""
	e.deadline = time.Now().Add(e.lease)
	e.mu.Unlock()
	e.log.Info("stepped down", zap.String("reason", reason))
	if e.onRelease != nil {
		e.onRelease()
	}
}

// HandleVote answers a peer's campaign. A vote is granted at most once per
// epoch, and only for epochs newer than anything this replica has seen.
func (e *elector) HandleVote(req voteRequest) voteResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req.Epoch <= e.votedEpoch || req.Epoch < e.epoch {
		return voteResponse{Granted: false, Epoch: e.epoch}
	}
	e.votedEpoch = req.Epoch
	if req.Epoch > e.epoch {
		e.epoch = req.Epoch
		if e.isLeader {
			e.isLeader = false
			e.leader = ""
			if e.onRelease != nil {
				go e.onRelease()
			}
		}
	}
	e.deadline = time.Now().Add(e.lease)
	e.log.Debug("granted vote", zap.String("candidate", req.Candidate), zap.Uint64("epoch", req.Epoch))
	return voteResponse{Granted: true, Epoch: e.epoch}
}

// HandleHeartbeat renews the lease from the current leader and adopts
// higher epochs. The response carries how far this replica has applied so
// the leader can gauge lag.
func (e *elector) HandleHeartbeat(req heartbeatRequest) heartbeatResponse {
	e.mu.Lock()
	if req.Epoch >= e.epoch {
		if req.Epoch > e.epoch && e.isLeader {
			e.isLeader = false
			if e.onRelease != nil {
				go e.onRelease()
			}
		}
		e.epoch = req.Epoch
		e.leader = req.Leader
		e.deadline = time.Now().Add(e.lease)
	}
	epoch := e.epoch
	current := e.leader == req.Leader && req.Epoch == epoch
	e.mu.Unlock()

	if current && e.onCommitSeq != nil {
		e.onCommitSeq(req.CommitSeq)
	}
	var applied uint64
	if e.lastApplied != nil {
		applied = e.lastApplied()
	}
	return heartbeatResponse{Epoch: epoch, LastApplied: applied}
}
