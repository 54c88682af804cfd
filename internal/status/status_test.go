package status

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLifecycle(t *testing.T) {
	m := New(zap.NewNop())
	assert.False(t, m.Snapshot().IsWritable())

	m.Start()
	assert.True(t, m.Snapshot().IsWritable())

	m.SetWritable(false)
	s := m.Snapshot()
	assert.True(t, s.Started)
	assert.False(t, s.IsWritable())
	assert.True(t, s.Replicating)

	m.SetWritable(true)
	assert.True(t, m.Snapshot().IsWritable())

	m.Stop()
	assert.False(t, m.Snapshot().IsWritable())
}

func TestStartIsIdempotent(t *testing.T) {
	m := New(zap.NewNop())
	var transitions int
	m.Subscribe(func(old, new Status) { transitions++ })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Start()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, transitions)
}

func TestNotReplicatingForcesReadOnly(t *testing.T) {
	m := New(zap.NewNop())
	m.Start()

	m.SetReplicating(false)
	s := m.Snapshot()
	assert.False(t, s.Replicating)
	assert.False(t, s.Writable)

	// Turning replication back on does not silently restore writability.
	m.SetReplicating(true)
	s = m.Snapshot()
	assert.True(t, s.Replicating)
	assert.False(t, s.Writable)
}

func TestUpdatePartial(t *testing.T) {
	m := New(zap.NewNop())
	m.Start()

	f := false
	m.Update(&f, nil)
	assert.False(t, m.Snapshot().Writable)
	assert.True(t, m.Snapshot().Replicating)

	tr := true
	m.Update(&tr, nil)
	assert.True(t, m.Snapshot().Writable)

	// writable=true is overridden when replication is off in the same update.
	m.Update(&tr, &f)
	s := m.Snapshot()
	assert.False(t, s.Replicating)
	assert.False(t, s.Writable)
}

func TestListenersSeeOrderedTransitions(t *testing.T) {
	m := New(zap.NewNop())
	var seen []Status
	m.Subscribe(func(old, new Status) { seen = append(seen, new) })

	m.Start()
	m.SetWritable(false)
	m.SetWritable(false) // no-op, no notification
	m.SetWritable(true)

	require.Len(t, seen, 3)
	assert.True(t, seen[0].Started)
	assert.False(t, seen[1].Writable)
	assert.True(t, seen[2].Writable)
}
