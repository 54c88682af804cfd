package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testElector() *elector {
	peers := map[string]string{"replica1": "http://127.0.0.1:1"}
	return newElector("global", "replica0", peers, nil, 200*time.Millisecond, 0, zap.NewNop())
}

func TestAdoptEpochDeposesLeader(t *testing.T) {
	e := testElector()
	e.mu.Lock()
	e.epoch = 3
	e.leader = "replica0"
	e.isLeader = true
	e.mu.Unlock()

	e.adoptEpoch(5)

	leader, leading := e.Leader()
	assert.False(t, leading)
	assert.Empty(t, leader)
	assert.Equal(t, uint64(5), e.Epoch())

	// Stale epochs change nothing.
	e.adoptEpoch(4)
	assert.Equal(t, uint64(5), e.Epoch())
}

// Vote and heartbeat responses are aggregated on per-request goroutines, so
// adoptEpoch races against the handlers unless it takes the elector lock.
func TestAdoptEpochConcurrentWithHandlers(t *testing.T) {
	e := testElector()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for ep := uint64(1); ep <= 200; ep++ {
				if g%2 == 0 {
					e.adoptEpoch(ep)
				} else {
					e.HandleVote(voteRequest{Scope: "global", Candidate: "replica1", Epoch: ep})
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, uint64(200), e.Epoch())
}
