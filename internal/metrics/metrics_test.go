package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
)

type stubCommander struct {
	res executor.Result
	err error
}

func (s *stubCommander) Execute(context.Context, command.Command) (executor.Result, error) {
	return s.res, s.err
}

func TestInstrumentCommanderCountsOutcomes(t *testing.T) {
	m := New()
	ctx := context.Background()
	cmd := &command.CreateProject{ProjectName: "p"}
	typ := string(cmd.CommandType())

	ok := m.InstrumentCommander(&stubCommander{})
	_, err := ok.Execute(ctx, cmd)
	require.NoError(t, err)

	redundant := m.InstrumentCommander(&stubCommander{res: executor.Result{Redundant: true}})
	_, _ = redundant.Execute(ctx, cmd)

	failing := m.InstrumentCommander(&stubCommander{err: errors.New("boom")})
	_, err = failing.Execute(ctx, cmd)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues(typ, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues(typ, "redundant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues(typ, "error")))
}

func TestReplicationGauges(t *testing.T) {
	m := New()
	m.RegisterReplication(
		func() uint64 { return 7 },
		func() uint64 { return 5 },
		func() bool { return true },
	)
	m.RegisterLeadership(func() bool { return false })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "dogma_replication_commit_seq 7")
	assert.Contains(t, body, "dogma_replication_applied_seq 5")
	assert.Contains(t, body, "dogma_replication_diverged 1")
	assert.Contains(t, body, "dogma_replication_leader 0")
}

func TestMirrorRunCounter(t *testing.T) {
	m := New()
	m.ObserveMirrorRun(nil)
	m.ObserveMirrorRun(errors.New("clone failed"))
	m.ObserveMirrorRun(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.mirrorRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mirrorRuns.WithLabelValues("error")))
}
