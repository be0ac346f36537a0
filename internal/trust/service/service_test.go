package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresight/internal/trust"
	truststore "foresight/internal/trust/store"
	errs "foresight/pkg/errors"
	auditmem "foresight/pkg/platform/audit/memory"
)

type stubMinter struct {
	calls int
	err   error
}

func (m *stubMinter) Mint(_ context.Context, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.calls++
	return fmt.Sprintf("anchor-%d", m.calls), nil
}

// flakyProfiles fails the first n saves, then delegates.
type flakyProfiles struct {
	ProfileStore
	failSaves int
}

func (f *flakyProfiles) Save(ctx context.Context, p *trust.ExperienceProfile) error {
	if f.failSaves != 0 {
		if f.failSaves > 0 {
			f.failSaves--
		}
		return errors.New("transient store failure")
	}
	return f.ProfileStore.Save(ctx, p)
}

type ledgerFixture struct {
	ledger       *Ledger
	bindings     *truststore.MemoryBindings
	profiles     ProfileStore
	evolution    *truststore.MemoryEvolution
	interactions *truststore.MemoryInteractions
	minter       *stubMinter
	audit        *auditmem.Store
	now          time.Time
}

func newFixture(t *testing.T, opts ...Option) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		bindings:     truststore.NewMemoryBindings(),
		profiles:     truststore.NewMemoryProfiles(),
		evolution:    truststore.NewMemoryEvolution(),
		interactions: truststore.NewMemoryInteractions(),
		minter:       &stubMinter{},
		audit:        auditmem.NewStore(),
		now:          time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	all := append([]Option{
		WithClock(func() time.Time { return f.now }),
		WithAuditPublisher(f.audit),
	}, opts...)
	ledger, err := NewLedger(f.bindings, f.profiles, f.evolution, f.interactions, f.minter, all...)
	require.NoError(t, err)
	f.ledger = ledger
	return f
}

func TestResolveAnchor(t *testing.T) {
	ctx := context.Background()
	sctx := trust.SessionContext{UserID: "u-1", Platform: "web"}

	t.Run("new session mints and creates a default profile", func(t *testing.T) {
		f := newFixture(t)
		anchor, err := f.ledger.ResolveAnchor(ctx, "s-1", sctx)
		require.NoError(t, err)
		assert.Equal(t, "anchor-1", anchor)
		assert.Equal(t, 1, f.minter.calls)

		profile, err := f.ledger.Profile(ctx, anchor)
		require.NoError(t, err)
		assert.Equal(t, trust.DefaultTrustLevel, profile.CurrentTrustLevel)
		assert.Equal(t, trust.DefaultTrustScore, profile.TrustScore)

		binding, err := f.bindings.FindActive(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, anchor, binding.IdentityAnchor)
		assert.Equal(t, "web", binding.Platform)
	})

	t.Run("active binding wins and refreshes activity", func(t *testing.T) {
		f := newFixture(t)
		anchor, err := f.ledger.ResolveAnchor(ctx, "s-1", sctx)
		require.NoError(t, err)

		f.now = f.now.Add(5 * time.Minute)
		again, err := f.ledger.ResolveAnchor(ctx, "s-1", trust.SessionContext{})
		require.NoError(t, err)
		assert.Equal(t, anchor, again)
		assert.Equal(t, 1, f.minter.calls, "no second mint")

		binding, err := f.bindings.FindActive(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, f.now, binding.LastActivity)
	})

	t.Run("matching fingerprint reuses the anchor across sessions", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.ledger.ResolveAnchor(ctx, "s-1", sctx)
		require.NoError(t, err)
		second, err := f.ledger.ResolveAnchor(ctx, "s-2", sctx)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, f.minter.calls)
	})

	t.Run("empty context mints a fresh anchor per session", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.ledger.ResolveAnchor(ctx, "s-1", trust.SessionContext{})
		require.NoError(t, err)
		second, err := f.ledger.ResolveAnchor(ctx, "s-2", trust.SessionContext{})
		require.NoError(t, err)
		assert.NotEqual(t, first, second, "unknown fingerprints never alias identities")

		binding, err := f.bindings.FindActive(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, trust.FallbackFingerprint, binding.ClientFingerprint)
	})

	t.Run("mint failure is fatal", func(t *testing.T) {
		f := newFixture(t)
		f.minter.err = errors.New("minting service down")
		_, err := f.ledger.ResolveAnchor(ctx, "s-1", sctx)
		require.Error(t, err)
		assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))

		_, err = f.bindings.FindActive(ctx, "s-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty session id rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ledger.ResolveAnchor(ctx, "", sctx)
		assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
	})
}

func TestResolveTrust_FailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.minter.err = errors.New("minting service down")

	view := f.ledger.ResolveTrust(ctx, "s-1", trust.SessionContext{UserID: "u-1"})
	assert.Equal(t, trust.LevelRestricted, view.Level)
	assert.Zero(t, view.Score)
}

func seedSession(t *testing.T, f *ledgerFixture, sessionID string) string {
	t.Helper()
	ctx := context.Background()
	anchor, err := f.ledger.ResolveAnchor(ctx, sessionID, trust.SessionContext{UserID: "u-1", Platform: "web"})
	require.NoError(t, err)

	interactions := []trust.Interaction{
		{Kind: "query", Outcome: trust.OutcomeSuccess, Entities: []trust.EntityRef{{Type: "service", ID: "payments"}}},
		{Kind: "query", Outcome: trust.OutcomeSuccess, Entities: []trust.EntityRef{{Type: "service", ID: "payments"}}},
		{Kind: trust.InteractionKindDecision, Outcome: trust.OutcomeSuccess, Entities: []trust.EntityRef{{Type: "host", ID: "db-1"}}},
		{Kind: "query", Outcome: trust.OutcomeFailure},
	}
	for _, in := range interactions {
		require.NoError(t, f.ledger.RecordInteraction(ctx, sessionID, in))
	}
	require.NoError(t, f.ledger.SetSessionRisk(ctx, sessionID, 20))
	return anchor
}

func TestCommitExperience(t *testing.T) {
	ctx := context.Background()

	t.Run("folds the session into the profile and closes the binding", func(t *testing.T) {
		f := newFixture(t)
		anchor := seedSession(t, f, "s-1")

		require.NoError(t, f.ledger.CommitExperience(ctx, "s-1"))

		profile, err := f.ledger.Profile(ctx, anchor)
		require.NoError(t, err)
		assert.EqualValues(t, 4, profile.TotalInteractions)
		assert.EqualValues(t, 1, profile.TotalDecisions)
		assert.EqualValues(t, 2, profile.TotalEntities, "entities deduped by type:id")
		assert.InDelta(t, 0.75, profile.SuccessRate, 0.001)
		assert.Contains(t, profile.ExpertiseDomains, "service")
		assert.Contains(t, profile.ExpertiseDomains, "host")

		_, err = f.bindings.FindActive(ctx, "s-1")
		assert.ErrorIs(t, err, ErrNotFound, "binding closed")

		history, err := f.ledger.History(ctx, anchor, 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, trust.TriggerSessionComplete, history[0].ChangeTrigger)
		assert.Equal(t, trust.DefaultTrustScore, history[0].PreviousTrustScore)
		assert.Equal(t, history[0].NewTrustScore, profile.TrustScore)

		events := f.audit.Events()
		require.Len(t, events, 1)
		assert.Equal(t, anchor, events[0].IdentityAnchor)
	})

	t.Run("committed session cannot be reopened or recounted", func(t *testing.T) {
		f := newFixture(t)
		sctx := trust.SessionContext{UserID: "u-1", Platform: "web"}
		anchor := seedSession(t, f, "s-1")
		require.NoError(t, f.ledger.CommitExperience(ctx, "s-1"))

		_, err := f.ledger.ResolveAnchor(ctx, "s-1", sctx)
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))
		_, err = f.bindings.FindActive(ctx, "s-1")
		assert.ErrorIs(t, err, ErrNotFound, "binding stays closed")

		view := f.ledger.ResolveTrust(ctx, "s-1", sctx)
		assert.Equal(t, trust.LevelRestricted, view.Level)

		err = f.ledger.CommitExperience(ctx, "s-1")
		assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

		profile, err := f.ledger.Profile(ctx, anchor)
		require.NoError(t, err)
		assert.EqualValues(t, 4, profile.TotalInteractions, "experience counted once")

		remaining, err := f.interactions.BySession(ctx, "s-1")
		require.NoError(t, err)
		assert.Empty(t, remaining, "session log tombstoned at commit")

		fresh, err := f.ledger.ResolveAnchor(ctx, "s-2", sctx)
		require.NoError(t, err)
		assert.Equal(t, anchor, fresh, "same fingerprint continues under a new session")
	})

	t.Run("second identical recalculation appends no record", func(t *testing.T) {
		f := newFixture(t)
		anchor := seedSession(t, f, "s-1")
		require.NoError(t, f.ledger.CommitExperience(ctx, "s-1"))

		profile, err := f.ledger.Profile(ctx, anchor)
		require.NoError(t, err)
		require.NoError(t, f.ledger.AdminOverride(ctx, anchor, profile.TrustScore))

		history, err := f.ledger.History(ctx, anchor, 10)
		require.NoError(t, err)
		assert.Len(t, history, 1, "unchanged state appends nothing")
	})

	t.Run("transient store failure is retried once", func(t *testing.T) {
		f := newFixture(t)
		anchor := seedSession(t, f, "s-1")
		flaky := &flakyProfiles{ProfileStore: f.profiles, failSaves: 1}
		f.ledger.profiles = flaky

		require.NoError(t, f.ledger.CommitExperience(ctx, "s-1"))
		profile, err := f.ledger.Profile(ctx, anchor)
		require.NoError(t, err)
		assert.EqualValues(t, 4, profile.TotalInteractions)
	})

	t.Run("persistent failure surfaces but still closes the binding", func(t *testing.T) {
		f := newFixture(t)
		seedSession(t, f, "s-1")
		f.ledger.profiles = &flakyProfiles{ProfileStore: f.profiles, failSaves: -1}

		err := f.ledger.CommitExperience(ctx, "s-1")
		require.Error(t, err)
		assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))

		_, err = f.bindings.FindActive(ctx, "s-1")
		assert.ErrorIs(t, err, ErrNotFound, "binding closed even on commit failure")
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		err := f.ledger.CommitExperience(ctx, "nope")
		assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
	})
}

func TestRecordAnomaly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	anchor := seedSession(t, f, "s-1")
	require.NoError(t, f.ledger.CommitExperience(ctx, "s-1"))

	before, err := f.ledger.Profile(ctx, anchor)
	require.NoError(t, err)

	require.NoError(t, f.ledger.RecordAnomaly(ctx, anchor))

	after, err := f.ledger.Profile(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, 1, after.AnomalyCount)
	assert.Less(t, after.TrustScore, before.TrustScore)

	history, err := f.ledger.History(ctx, anchor, 10)
	require.NoError(t, err)
	assert.Equal(t, trust.TriggerAnomalyDetected, history[0].ChangeTrigger)
}

func TestAdminOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("pins score and derives the level", func(t *testing.T) {
		f := newFixture(t)
		anchor := seedSession(t, f, "s-1")

		require.NoError(t, f.ledger.AdminOverride(ctx, anchor, 80))

		profile, err := f.ledger.Profile(ctx, anchor)
		require.NoError(t, err)
		assert.Equal(t, 80.0, profile.TrustScore)
		assert.Equal(t, trust.LevelEstablished, profile.CurrentTrustLevel)

		history, err := f.ledger.History(ctx, anchor, 10)
		require.NoError(t, err)
		require.NotEmpty(t, history)
		assert.Equal(t, trust.TriggerAdminOverride, history[0].ChangeTrigger)
	})

	t.Run("rejects out-of-range scores", func(t *testing.T) {
		f := newFixture(t)
		anchor := seedSession(t, f, "s-1")
		assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(f.ledger.AdminOverride(ctx, anchor, -1)))
		assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(f.ledger.AdminOverride(ctx, anchor, 101)))
	})

	t.Run("unknown anchor", func(t *testing.T) {
		f := newFixture(t)
		err := f.ledger.AdminOverride(ctx, "ghost", 50)
		assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
	})
}

func TestRecordInteraction_RequiresActiveBinding(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.RecordInteraction(context.Background(), "nope", trust.Interaction{Kind: "query"})
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}
