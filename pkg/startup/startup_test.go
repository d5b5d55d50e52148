package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/logging"
)

type journal struct {
	entries []string
}

func (j *journal) dep(name string, requires ...string) Func {
	return Func{
		Name:     name,
		Requires: requires,
		StartFn: func(ctx context.Context) error {
			j.entries = append(j.entries, "start "+name)
			return nil
		},
		StopFn: func(ctx context.Context) error {
			j.entries = append(j.entries, "stop "+name)
			return nil
		},
	}
}

func newStartup(attempts int) *Startup {
	s := New(logging.Nop(), attempts)
	s.unit = time.Millisecond
	return s
}

func TestStart_DependencyOrder(t *testing.T) {
	j := &journal{}
	s := newStartup(1)
	s.Add(j.dep("http", "resolver"))
	s.Add(j.dep("resolver", "postgres", "redis"))
	s.Add(j.dep("postgres"))
	s.Add(j.dep("redis"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start postgres", "start redis", "start resolver", "start http"}, j.entries)
	assert.Equal(t, StatusStarted, s.Status("http"))

	j.entries = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop http", "stop resolver", "stop redis", "stop postgres"}, j.entries)
	assert.Equal(t, StatusStopped, s.Status("postgres"))
}

func TestStart_RetriesUntilDependencyComesUp(t *testing.T) {
	calls := 0
	s := newStartup(3)
	s.Add(Func{Name: "postgres", StartFn: func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestStart_GivesUp(t *testing.T) {
	s := newStartup(2)
	s.Add(Func{Name: "kafka", StartFn: func(ctx context.Context) error {
		return errors.New("no brokers")
	}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokers")
	assert.Equal(t, StatusFailed, s.Status("kafka"))
}

func TestStart_Cycle(t *testing.T) {
	j := &journal{}
	s := newStartup(1)
	s.Add(j.dep("a", "b"))
	s.Add(j.dep("b", "a"))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
	assert.Empty(t, j.entries)
}

func TestStart_UnknownDependency(t *testing.T) {
	s := newStartup(1)
	s.Add(Func{Name: "http", Requires: []string{"missing"}})
	require.Error(t, s.Start(context.Background()))
}
