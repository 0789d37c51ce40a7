package trace_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nettyrpc/transport/pkg/trace"
)

func TestDeadlineActiveUntilExpiry(t *testing.T) {
	tr := trace.NewDeadline(context.Background(), time.Now().Add(20*time.Millisecond), true)
	require.True(t, tr.Active())

	var fired atomic.Bool
	tr.OnceInactive(func() { fired.Store(true) })

	require.Eventually(t, func() bool { return fired.Load() }, time.Second, time.Millisecond)
	require.False(t, tr.Active())
}

func TestOnceInactiveFinalizerIsSingleShot(t *testing.T) {
	tr := trace.NewDeadline(context.Background(), time.Time{}, false)
	finalize := tr.OnceInactive(func() {})
	require.True(t, finalize())
	require.False(t, finalize())
	require.False(t, finalize())
}

func TestCancelMakesInactive(t *testing.T) {
	tr := trace.NewDeadline(context.Background(), time.Time{}, false)
	done := make(chan struct{})
	tr.OnceInactive(func() { close(done) })
	tr.Cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onceInactive handler never ran")
	}
	require.False(t, tr.Active())
}

func TestLabelsAreMutable(t *testing.T) {
	tr := trace.NewDeadline(context.Background(), time.Time{}, false)
	tr.SetLabel("tenant", "acme")
	require.Equal(t, "acme", tr.Labels()["tenant"])
}
