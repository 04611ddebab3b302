package memory

import (
	"context"
	"fmt"
	"testing"

	audit "cardreader/pkg/platform/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_RingEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStoreWithCapacity(3)

	for i := range 5 {
		require.NoError(t, s.Append(ctx, audit.NewEvent(audit.EventCardRead, fmt.Sprintf("r%d", i))))
	}

	all, err := s.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r2", "r3", "r4"}, subjects(all))
	assert.Equal(t, uint64(2), s.Evicted())

	last, _ := s.ListRecent(ctx, 2)
	assert.Equal(t, []string{"r3", "r4"}, subjects(last))
}

func TestInMemoryStore_ListByActionAndClear(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.Append(ctx, audit.NewEvent(audit.EventAuthFailure, "a")))
	require.NoError(t, s.Append(ctx, audit.NewEvent(audit.EventAuthSuccess, "b")))
	require.NoError(t, s.Append(ctx, audit.NewEvent(audit.EventAuthFailure, "c")))

	failures, err := s.ListByAction(ctx, audit.EventAuthFailure)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, subjects(failures))

	s.Clear()
	all, _ := s.ListRecent(ctx, 0)
	assert.Empty(t, all)
}

func subjects(events []audit.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Subject
	}
	return out
}
