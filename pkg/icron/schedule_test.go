package icron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun(t *testing.T) {
	ref := time.Date(2026, 3, 1, 10, 15, 0, 0, time.Local)

	next, err := NextRun("@hourly", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.Local), next)

	next, err = NextRun("30 2 * * *", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 30, 0, 0, time.Local), next)

	_, err = NextRun("every tuesday", ref)
	require.Error(t, err)
}

func TestScheduler_RegisterRejectsBadExpression(t *testing.T) {
	s := New()
	require.Error(t, s.Register("retention", "not a cron", func(context.Context) {}))
	require.NoError(t, s.Register("retention", "@every 1h", func(context.Context) {}))
}

func TestScheduler_RunsJob(t *testing.T) {
	s := New()
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Register("tick", "@every 1s", func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}))
	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}
