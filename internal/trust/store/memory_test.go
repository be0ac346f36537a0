package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresight/internal/trust"
)

func TestMemoryBindings(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	binding := func(session, anchor string, boundAt time.Time) *trust.SessionBinding {
		return &trust.SessionBinding{
			SessionID:         session,
			IdentityAnchor:    anchor,
			ClientFingerprint: "user:u-1",
			BoundAt:           boundAt,
			LastActivity:      boundAt,
		}
	}

	t.Run("find active ignores closed bindings", func(t *testing.T) {
		s := NewMemoryBindings()
		b := binding("s-1", "a-1", now)
		require.NoError(t, s.Save(ctx, b))

		got, err := s.FindActive(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "a-1", got.IdentityAnchor)

		closed := *b
		closed.UnboundAt = &now
		closed.UnbindReason = trust.UnbindSessionComplete
		require.NoError(t, s.Save(ctx, &closed))

		_, err = s.FindActive(ctx, "s-1")
		assert.ErrorIs(t, err, trust.ErrNotFound)
	})

	t.Run("find returns closed bindings", func(t *testing.T) {
		s := NewMemoryBindings()
		b := binding("s-1", "a-1", now)
		b.UnboundAt = &now
		b.UnbindReason = trust.UnbindSessionComplete
		require.NoError(t, s.Save(ctx, b))

		got, err := s.Find(ctx, "s-1")
		require.NoError(t, err)
		assert.False(t, got.Active())
		assert.Equal(t, trust.UnbindSessionComplete, got.UnbindReason)

		_, err = s.Find(ctx, "ghost")
		assert.ErrorIs(t, err, trust.ErrNotFound)
	})

	t.Run("returned bindings are copies", func(t *testing.T) {
		s := NewMemoryBindings()
		require.NoError(t, s.Save(ctx, binding("s-1", "a-1", now)))

		got, err := s.FindActive(ctx, "s-1")
		require.NoError(t, err)
		got.IdentityAnchor = "mutated"

		again, err := s.FindActive(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "a-1", again.IdentityAnchor)
	})

	t.Run("fingerprint lookup prefers the newest binding", func(t *testing.T) {
		s := NewMemoryBindings()
		require.NoError(t, s.Save(ctx, binding("s-1", "a-old", now)))
		require.NoError(t, s.Save(ctx, binding("s-2", "a-new", now.Add(time.Hour))))

		anchor, err := s.FindAnchorByFingerprint(ctx, "user:u-1")
		require.NoError(t, err)
		assert.Equal(t, "a-new", anchor)

		_, err = s.FindAnchorByFingerprint(ctx, "user:nobody")
		assert.ErrorIs(t, err, trust.ErrNotFound)
	})

	t.Run("recent risk scores are newest first and bounded", func(t *testing.T) {
		s := NewMemoryBindings()
		for i := 0; i < 5; i++ {
			b := binding("s", "a-1", now.Add(time.Duration(i)*time.Minute))
			b.SessionID = b.SessionID + string(rune('0'+i))
			b.SessionRiskScore = float64(i * 10)
			require.NoError(t, s.Save(ctx, b))
		}

		scores, err := s.RecentRiskScores(ctx, "a-1", 3)
		require.NoError(t, err)
		assert.Equal(t, []float64{40, 30, 20}, scores)
	})

	t.Run("concurrent saves are safe", func(t *testing.T) {
		s := NewMemoryBindings()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				b := binding("s-1", "a-1", now.Add(time.Duration(i)*time.Second))
				_ = s.Save(ctx, b)
				_, _ = s.FindActive(ctx, "s-1")
			}(i)
		}
		wg.Wait()

		got, err := s.FindActive(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "a-1", got.IdentityAnchor)
	})
}

func TestMemoryProfiles_CopySemantics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProfiles()

	p := trust.NewProfile("a-1", time.Now())
	p.ExpertiseDomains = []string{"service"}
	require.NoError(t, s.Save(ctx, p))

	got, err := s.Find(ctx, "a-1")
	require.NoError(t, err)
	got.ExpertiseDomains[0] = "mutated"
	got.TrustScore = 1

	again, err := s.Find(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"service"}, again.ExpertiseDomains)
	assert.Equal(t, trust.DefaultTrustScore, again.TrustScore)

	_, err = s.Find(ctx, "ghost")
	assert.ErrorIs(t, err, trust.ErrNotFound)
}

func TestMemoryEvolution_ListByAnchor(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryEvolution()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, &trust.TrustEvolutionRecord{
			ID:             string(rune('a' + i)),
			IdentityAnchor: "a-1",
			ChangedAt:      now.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := s.ListByAnchor(ctx, "a-1", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "d", records[0].ID, "newest first")
	assert.Equal(t, "c", records[1].ID)

	empty, err := s.ListByAnchor(ctx, "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryInteractions_MarkCommitted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	bindings := NewMemoryBindings()
	interactions := NewMemoryInteractions()
	index := NewMemoryAccessIndex(bindings, interactions)

	require.NoError(t, interactions.Append(ctx, "s-1", trust.Interaction{
		Kind:       "query",
		OccurredAt: now,
		Entities:   []trust.EntityRef{{Type: "service", ID: "payments"}},
	}))

	before, err := interactions.BySession(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, interactions.MarkCommitted(ctx, "s-1"))

	after, err := interactions.BySession(ctx, "s-1")
	require.NoError(t, err)
	assert.Empty(t, after, "tombstoned log reads back empty")

	refs, err := index.RecentEntities(ctx, "s-1", 10)
	require.NoError(t, err)
	assert.Len(t, refs, 1, "access index still sees committed history")
}

func TestMemoryAccessIndex_RecentEntities(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	bindings := NewMemoryBindings()
	interactions := NewMemoryInteractions()
	index := NewMemoryAccessIndex(bindings, interactions)

	require.NoError(t, bindings.Save(ctx, &trust.SessionBinding{
		SessionID: "s-1", IdentityAnchor: "a-1", BoundAt: now, LastActivity: now,
	}))
	require.NoError(t, bindings.Save(ctx, &trust.SessionBinding{
		SessionID: "s-2", IdentityAnchor: "a-1", BoundAt: now, LastActivity: now,
	}))

	require.NoError(t, interactions.Append(ctx, "s-1", trust.Interaction{
		OccurredAt: now,
		Entities:   []trust.EntityRef{{Type: "service", ID: "old"}},
	}))
	require.NoError(t, interactions.Append(ctx, "s-2", trust.Interaction{
		OccurredAt: now.Add(time.Minute),
		Entities:   []trust.EntityRef{{Type: "service", ID: "new"}},
	}))

	t.Run("by anchor spans all bound sessions newest first", func(t *testing.T) {
		refs, err := index.RecentEntities(ctx, "a-1", 10)
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, "new", refs[0].ID)
		assert.Equal(t, "old", refs[1].ID)
	})

	t.Run("by session id", func(t *testing.T) {
		refs, err := index.RecentEntities(ctx, "s-1", 10)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, "old", refs[0].ID)
	})

	t.Run("limit bounds the interaction window", func(t *testing.T) {
		refs, err := index.RecentEntities(ctx, "a-1", 1)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, "new", refs[0].ID)
	})
}
