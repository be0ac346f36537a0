//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresight/internal/trust"
	"foresight/pkg/testutil/containers"
)

func TestPostgresTrustStores(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	reset := func(t *testing.T) {
		t.Helper()
		require.NoError(t, pg.TruncateTables(ctx,
			"session_bindings", "experience_profiles", "trust_evolution", "session_interactions"))
	}

	t.Run("bindings round trip and close", func(t *testing.T) {
		reset(t)
		s := NewPostgresBindings(pg.DB)

		b := &trust.SessionBinding{
			SessionID:         "s-1",
			IdentityAnchor:    "a-1",
			Platform:          "web",
			ClientFingerprint: "user:u-1",
			BoundAt:           now,
			LastActivity:      now,
		}
		require.NoError(t, s.Save(ctx, b))

		got, err := s.FindActive(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "a-1", got.IdentityAnchor)
		assert.Equal(t, "web", got.Platform)
		assert.WithinDuration(t, now, got.BoundAt, time.Second)

		closedAt := now.Add(time.Hour)
		b.UnboundAt = &closedAt
		b.UnbindReason = trust.UnbindSessionComplete
		b.Interactions = 4
		b.Decisions = 1
		b.SessionRiskScore = 20
		b.SessionSuccessRate = 0.75
		require.NoError(t, s.Save(ctx, b))

		_, err = s.FindActive(ctx, "s-1")
		assert.ErrorIs(t, err, trust.ErrNotFound)

		closed, err := s.Find(ctx, "s-1")
		require.NoError(t, err)
		assert.False(t, closed.Active())
		assert.Equal(t, trust.UnbindSessionComplete, closed.UnbindReason)

		_, err = s.Find(ctx, "ghost")
		assert.ErrorIs(t, err, trust.ErrNotFound)
	})

	t.Run("save overwrites every column on conflict", func(t *testing.T) {
		reset(t)
		s := NewPostgresBindings(pg.DB)

		require.NoError(t, s.Save(ctx, &trust.SessionBinding{
			SessionID:         "s-1",
			IdentityAnchor:    "a-old",
			Platform:          "web",
			ClientFingerprint: "user:u-1",
			BoundAt:           now,
			LastActivity:      now,
		}))
		require.NoError(t, s.Save(ctx, &trust.SessionBinding{
			SessionID:         "s-1",
			IdentityAnchor:    "a-new",
			Platform:          "mobile",
			ClientFingerprint: "user:u-2",
			BoundAt:           now.Add(time.Hour),
			LastActivity:      now.Add(time.Hour),
		}))

		got, err := s.Find(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "a-new", got.IdentityAnchor, "stored anchor matches the saved binding")
		assert.Equal(t, "mobile", got.Platform)
		assert.Equal(t, "user:u-2", got.ClientFingerprint)
		assert.WithinDuration(t, now.Add(time.Hour), got.BoundAt, time.Second)
	})

	t.Run("fingerprint lookup prefers the newest binding", func(t *testing.T) {
		reset(t)
		s := NewPostgresBindings(pg.DB)

		for i, anchor := range []string{"a-old", "a-new"} {
			require.NoError(t, s.Save(ctx, &trust.SessionBinding{
				SessionID:         fmt.Sprintf("s-%d", i),
				IdentityAnchor:    anchor,
				ClientFingerprint: "user:u-1",
				BoundAt:           now.Add(time.Duration(i) * time.Hour),
				LastActivity:      now.Add(time.Duration(i) * time.Hour),
			}))
		}

		anchor, err := s.FindAnchorByFingerprint(ctx, "user:u-1")
		require.NoError(t, err)
		assert.Equal(t, "a-new", anchor)

		_, err = s.FindAnchorByFingerprint(ctx, "user:nobody")
		assert.ErrorIs(t, err, trust.ErrNotFound)
	})

	t.Run("recent risk scores newest first and bounded", func(t *testing.T) {
		reset(t)
		s := NewPostgresBindings(pg.DB)

		for i := 0; i < 5; i++ {
			require.NoError(t, s.Save(ctx, &trust.SessionBinding{
				SessionID:        fmt.Sprintf("s-%d", i),
				IdentityAnchor:   "a-1",
				BoundAt:          now,
				LastActivity:     now.Add(time.Duration(i) * time.Minute),
				SessionRiskScore: float64(i * 10),
			}))
		}

		scores, err := s.RecentRiskScores(ctx, "a-1", 3)
		require.NoError(t, err)
		assert.Equal(t, []float64{40, 30, 20}, scores)
	})

	t.Run("profiles round trip including domains", func(t *testing.T) {
		reset(t)
		s := NewPostgresProfiles(pg.DB)

		p := trust.NewProfile("a-1", now)
		p.TotalInteractions = 42
		p.ExpertiseDomains = []string{"service", "host"}
		p.NewestInteraction = now
		require.NoError(t, s.Save(ctx, p))

		got, err := s.Find(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"service", "host"}, got.ExpertiseDomains)
		assert.EqualValues(t, 42, got.TotalInteractions)
		assert.Equal(t, trust.DefaultTrustScore, got.TrustScore)
		assert.WithinDuration(t, now, got.NewestInteraction, time.Second)
		assert.True(t, got.OldestInteraction.IsZero(), "null timestamp maps to zero time")

		p.TrustScore = 81.5
		p.CurrentTrustLevel = 4
		require.NoError(t, s.Save(ctx, p))

		got, err = s.Find(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, 81.5, got.TrustScore)
		assert.Equal(t, 4, got.CurrentTrustLevel)

		_, err = s.Find(ctx, "ghost")
		assert.ErrorIs(t, err, trust.ErrNotFound)
	})

	t.Run("evolution log appends and lists newest first", func(t *testing.T) {
		reset(t)
		s := NewPostgresEvolution(pg.DB)

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Append(ctx, &trust.TrustEvolutionRecord{
				ID:             fmt.Sprintf("r-%d", i),
				IdentityAnchor: "a-1",
				NewTrustLevel:  3 + i%2,
				NewTrustScore:  50 + float64(i),
				ChangeTrigger:  trust.TriggerSessionComplete,
				ChangeFactors: trust.ChangeFactors{
					Volume: trust.Factor{Score: 65, Weight: 0.2, Contribution: 13},
				},
				ChangedAt: now.Add(time.Duration(i) * time.Minute),
			}))
		}

		records, err := s.ListByAnchor(ctx, "a-1", 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "r-2", records[0].ID)
		assert.Equal(t, "r-1", records[1].ID)
		assert.Equal(t, 13.0, records[0].ChangeFactors.Volume.Contribution)
	})

	t.Run("interactions by session and recent entities", func(t *testing.T) {
		reset(t)
		bindings := NewPostgresBindings(pg.DB)
		s := NewPostgresInteractions(pg.DB)

		require.NoError(t, bindings.Save(ctx, &trust.SessionBinding{
			SessionID: "s-1", IdentityAnchor: "a-1", BoundAt: now, LastActivity: now,
		}))
		require.NoError(t, bindings.Save(ctx, &trust.SessionBinding{
			SessionID: "s-2", IdentityAnchor: "a-1", BoundAt: now, LastActivity: now,
		}))

		require.NoError(t, s.Append(ctx, "s-1", trust.Interaction{
			Kind:       "query",
			Outcome:    trust.OutcomeSuccess,
			Entities:   []trust.EntityRef{{Type: "service", ID: "old"}},
			OccurredAt: now,
		}))
		require.NoError(t, s.Append(ctx, "s-2", trust.Interaction{
			Kind:       trust.InteractionKindDecision,
			Outcome:    trust.OutcomeFailure,
			Entities:   []trust.EntityRef{{Type: "service", ID: "new"}},
			OccurredAt: now.Add(time.Minute),
		}))

		bySession, err := s.BySession(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, bySession, 1)
		assert.Equal(t, trust.OutcomeSuccess, bySession[0].Outcome)
		assert.Equal(t, "old", bySession[0].Entities[0].ID)

		refs, err := s.RecentEntities(ctx, "a-1", 10)
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, "new", refs[0].ID, "anchor lookup spans sessions, newest first")
		assert.Equal(t, "old", refs[1].ID)

		refs, err = s.RecentEntities(ctx, "s-1", 10)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, "old", refs[0].ID)
	})

	t.Run("mark committed tombstones the session log", func(t *testing.T) {
		reset(t)
		s := NewPostgresInteractions(pg.DB)

		require.NoError(t, s.Append(ctx, "s-1", trust.Interaction{
			Kind:       "query",
			Outcome:    trust.OutcomeSuccess,
			Entities:   []trust.EntityRef{{Type: "service", ID: "payments"}},
			OccurredAt: now,
		}))
		require.NoError(t, s.MarkCommitted(ctx, "s-1"))

		bySession, err := s.BySession(ctx, "s-1")
		require.NoError(t, err)
		assert.Empty(t, bySession, "committed interactions never fold in twice")

		refs, err := s.RecentEntities(ctx, "s-1", 10)
		require.NoError(t, err)
		assert.Len(t, refs, 1, "warming still sees committed history")
	})
}
