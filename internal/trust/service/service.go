// Package service implements the trust ledger: binding ephemeral sessions to
// durable identity anchors and evolving per-identity trust from recorded
// experience.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"foresight/internal/trust"
	"foresight/internal/trust/metrics"
	errs "foresight/pkg/errors"
	"foresight/pkg/platform/audit"
	"foresight/pkg/requestcontext"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = trust.ErrNotFound

// ErrSessionClosed is returned when resolution is attempted for a session ID
// whose binding was already closed.
var ErrSessionClosed = trust.ErrSessionClosed

// ErrExperienceCommitFailed marks a commit whose persistence failed after the
// single retry. The session binding is still closed when this is returned.
var ErrExperienceCommitFailed = errs.New(errs.CodeUnavailable, "experience commit failed")

// recentSessionWindow bounds how many recent sessions feed the session
// quality sub-score.
const recentSessionWindow = 10

// BindingStore persists session bindings.
type BindingStore interface {
	// FindActive returns the open binding for a session, or ErrNotFound.
	FindActive(ctx context.Context, sessionID string) (*trust.SessionBinding, error)

	// Find returns the binding for a session in any state, or ErrNotFound.
	Find(ctx context.Context, sessionID string) (*trust.SessionBinding, error)

	// Save upserts a binding keyed by session ID.
	Save(ctx context.Context, binding *trust.SessionBinding) error

	// FindAnchorByFingerprint returns the anchor most recently bound with
	// the given fingerprint, or ErrNotFound.
	FindAnchorByFingerprint(ctx context.Context, fingerprint string) (string, error)

	// RecentRiskScores returns session risk scores for an anchor's most
	// recent sessions, newest first, bounded by limit.
	RecentRiskScores(ctx context.Context, anchor string, limit int) ([]float64, error)
}

// ProfileStore persists experience profiles.
type ProfileStore interface {
	// Find returns the profile for an anchor, or ErrNotFound.
	Find(ctx context.Context, anchor string) (*trust.ExperienceProfile, error)

	// Save upserts a profile keyed by identity anchor.
	Save(ctx context.Context, profile *trust.ExperienceProfile) error
}

// EvolutionStore persists the append-only trust evolution log.
type EvolutionStore interface {
	Append(ctx context.Context, record *trust.TrustEvolutionRecord) error
	ListByAnchor(ctx context.Context, anchor string, limit int) ([]trust.TrustEvolutionRecord, error)
}

// InteractionStore persists per-session interaction records.
type InteractionStore interface {
	Append(ctx context.Context, sessionID string, interaction trust.Interaction) error

	// BySession returns the interactions not yet folded into a profile.
	BySession(ctx context.Context, sessionID string) ([]trust.Interaction, error)

	// MarkCommitted tombstones a session's log so a later commit cannot fold
	// the same interactions in again.
	MarkCommitted(ctx context.Context, sessionID string) error
}

// AnchorMinter is the external identity service. Anchors are never fabricated
// locally; when minting fails the resolution fails with it.
type AnchorMinter interface {
	Mint(ctx context.Context, fingerprint string) (string, error)
}

// Ledger coordinates bindings, profiles, and the evolution log.
type Ledger struct {
	bindings     BindingStore
	profiles     ProfileStore
	evolution    EvolutionStore
	interactions InteractionStore
	minter       AnchorMinter
	publisher    audit.Publisher
	logger       *slog.Logger
	metrics      *metrics.Metrics
	clock        func() time.Time
	tracer       trace.Tracer

	// anchorLocks serializes commits per identity anchor so two concurrent
	// commits cannot both read a stale profile and write conflicting trust
	// updates. Cross-process writes remain last-writer-wins.
	mu          sync.Mutex
	anchorLocks map[string]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithAuditPublisher(publisher audit.Publisher) Option {
	return func(l *Ledger) { l.publisher = publisher }
}

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLedger wires the ledger with its stores and the external minter.
func NewLedger(bindings BindingStore, profiles ProfileStore, evolution EvolutionStore, interactions InteractionStore, minter AnchorMinter, opts ...Option) (*Ledger, error) {
	if bindings == nil || profiles == nil || evolution == nil || interactions == nil {
		return nil, fmt.Errorf("trust ledger stores are required")
	}
	if minter == nil {
		return nil, fmt.Errorf("anchor minter is required")
	}

	l := &Ledger{
		bindings:     bindings,
		profiles:     profiles,
		evolution:    evolution,
		interactions: interactions,
		minter:       minter,
		logger:       slog.Default(),
		clock:        time.Now,
		tracer:       otel.Tracer("foresight/trust"),
		anchorLocks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// ResolveAnchor returns the identity anchor for a session. An active binding
// wins and only refreshes last activity; otherwise the anchor is resolved
// from the context fingerprint or minted externally and a new binding is
// created. A session ID whose binding was already closed is rejected with
// ErrSessionClosed.
func (l *Ledger) ResolveAnchor(ctx context.Context, sessionID string, sctx trust.SessionContext) (string, error) {
	if sessionID == "" {
		return "", errs.New(errs.CodeBadRequest, "session id is required")
	}
	now := l.clock()

	binding, err := l.bindings.FindActive(ctx, sessionID)
	if err == nil {
		binding.LastActivity = now
		if saveErr := l.bindings.Save(ctx, binding); saveErr != nil {
			l.logger.Warn("refresh binding activity failed", "session_id", sessionID, "error", saveErr)
		}
		l.observeResolution("binding")
		return binding.IdentityAnchor, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", errs.Wrap(err, errs.CodeUnavailable, "load session binding")
	}

	// A session unbinds exactly once. A closed binding occupies its session ID
	// permanently and is never reopened under a fresh anchor.
	if _, err := l.bindings.Find(ctx, sessionID); err == nil {
		return "", ErrSessionClosed
	} else if !errors.Is(err, ErrNotFound) {
		return "", errs.Wrap(err, errs.CodeUnavailable, "load session binding")
	}

	fingerprint := sctx.Fingerprint()
	anchor := ""
	path := "fingerprint"
	if fingerprint != trust.FallbackFingerprint {
		anchor, err = l.bindings.FindAnchorByFingerprint(ctx, fingerprint)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", errs.Wrap(err, errs.CodeUnavailable, "resolve anchor by fingerprint")
		}
	}
	if anchor == "" {
		anchor, err = l.minter.Mint(ctx, fingerprint)
		if err != nil {
			// Fatal: anchors are never fabricated locally.
			return "", errs.Wrap(err, errs.CodeUnavailable, "mint identity anchor")
		}
		path = "minted"
		if l.metrics != nil {
			l.metrics.AnchorsMinted.Inc()
		}
	}

	binding = &trust.SessionBinding{
		SessionID:         sessionID,
		IdentityAnchor:    anchor,
		Platform:          sctx.ResolvedPlatform(),
		ClientFingerprint: fingerprint,
		BoundAt:           now,
		LastActivity:      now,
	}
	if err := l.bindings.Save(ctx, binding); err != nil {
		return "", errs.Wrap(err, errs.CodeUnavailable, "create session binding")
	}
	if err := l.ensureProfile(ctx, anchor, now); err != nil {
		l.logger.Warn("ensure profile failed", "identity_anchor", anchor, "error", err)
	}
	l.observeResolution(path)
	return anchor, nil
}

// TrustView is the fail-closed trust summary handed to callers that must not
// block their primary flow on resolution errors.
type TrustView struct {
	Anchor string
	Level  int
	Score  float64
}

// ResolveTrust resolves a session to its anchor and current trust. Any error
// degrades to the lowest trust instead of propagating.
func (l *Ledger) ResolveTrust(ctx context.Context, sessionID string, sctx trust.SessionContext) TrustView {
	anchor, err := l.ResolveAnchor(ctx, sessionID, sctx)
	if err != nil {
		l.logger.Warn("anchor resolution failed, failing closed", "session_id", sessionID, "error", err)
		return TrustView{Level: trust.LevelRestricted}
	}
	profile, err := l.profiles.Find(ctx, anchor)
	if err != nil {
		l.logger.Warn("profile load failed, failing closed", "identity_anchor", anchor, "error", err)
		return TrustView{Anchor: anchor, Level: trust.LevelRestricted}
	}
	return TrustView{Anchor: anchor, Level: profile.CurrentTrustLevel, Score: profile.TrustScore}
}

// RecordInteraction appends one interaction to the session log and bumps the
// binding counters.
func (l *Ledger) RecordInteraction(ctx context.Context, sessionID string, interaction trust.Interaction) error {
	binding, err := l.bindings.FindActive(ctx, sessionID)
	if err != nil {
		return errs.Wrap(err, errs.CodeNotFound, "no active binding for session")
	}
	if interaction.OccurredAt.IsZero() {
		interaction.OccurredAt = l.clock()
	}
	if interaction.Outcome == "" {
		interaction.Outcome = trust.OutcomeUnknown
	}
	if err := l.interactions.Append(ctx, sessionID, interaction); err != nil {
		return errs.Wrap(err, errs.CodeUnavailable, "append interaction")
	}

	binding.Interactions++
	if interaction.IsDecision() {
		binding.Decisions++
	}
	binding.EntitiesDiscovered += len(interaction.Entities)
	binding.LastActivity = interaction.OccurredAt
	if err := l.bindings.Save(ctx, binding); err != nil {
		return errs.Wrap(err, errs.CodeUnavailable, "update session binding")
	}
	return nil
}

// SetSessionRisk records the externally-computed risk score (0-100) for the
// session's current binding.
func (l *Ledger) SetSessionRisk(ctx context.Context, sessionID string, score float64) error {
	binding, err := l.bindings.FindActive(ctx, sessionID)
	if err != nil {
		return errs.Wrap(err, errs.CodeNotFound, "no active binding for session")
	}
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	binding.SessionRiskScore = score
	if err := l.bindings.Save(ctx, binding); err != nil {
		return errs.Wrap(err, errs.CodeUnavailable, "update session binding")
	}
	return nil
}

// sessionAggregate is what one session contributes to a profile.
type sessionAggregate struct {
	total       int
	decisions   int
	entities    map[string]struct{}
	entityTypes map[string]struct{}
	successes   int
	successRate float64
	oldest      time.Time
	newest      time.Time
}

// CommitExperience folds a session's interactions into the identity's
// experience profile, recalculates trust, and closes the binding with reason
// session_complete. Persistence failures are retried once; after that the
// commit surfaces ErrExperienceCommitFailed but the binding is still closed
// so open bindings never leak.
func (l *Ledger) CommitExperience(ctx context.Context, sessionID string) error {
	ctx, span := l.tracer.Start(ctx, "trust.CommitExperience")
	defer span.End()

	start := l.clock()
	if l.metrics != nil {
		l.metrics.CommitsTotal.Inc()
		defer func() {
			l.metrics.CommitDurationSecs.Observe(time.Since(start).Seconds())
		}()
	}

	binding, err := l.bindings.FindActive(ctx, sessionID)
	if err != nil {
		return errs.Wrap(err, errs.CodeNotFound, "no active binding for session")
	}

	unlock := l.lockAnchor(binding.IdentityAnchor)
	defer unlock()

	interactions, err := l.interactions.BySession(ctx, sessionID)
	if err != nil {
		return errs.Wrap(err, errs.CodeUnavailable, "load session interactions")
	}
	agg := aggregate(interactions)

	commitErr := l.withRetry(ctx, "apply experience", func() error {
		return l.applyExperience(ctx, binding.IdentityAnchor, agg)
	})

	closeErr := l.closeBinding(ctx, binding, agg, trust.UnbindSessionComplete)

	if commitErr != nil {
		if l.metrics != nil {
			l.metrics.CommitFailures.Inc()
		}
		l.logger.Error("experience commit failed",
			"session_id", sessionID,
			"identity_anchor", binding.IdentityAnchor,
			"error", commitErr,
		)
		return errs.Wrap(commitErr, errs.CodeUnavailable, "experience commit failed")
	}
	if err := l.interactions.MarkCommitted(ctx, sessionID); err != nil {
		l.logger.Warn("tombstone committed interactions failed", "session_id", sessionID, "error", err)
	}
	return closeErr
}

// RecordAnomaly bumps the anomaly count for an anchor and recalculates trust
// with trigger anomaly_detected.
func (l *Ledger) RecordAnomaly(ctx context.Context, anchor string) error {
	unlock := l.lockAnchor(anchor)
	defer unlock()

	profile, err := l.profiles.Find(ctx, anchor)
	if err != nil {
		return errs.Wrap(err, errs.CodeNotFound, "experience profile not found")
	}
	profile.AnomalyCount++
	return l.withRetry(ctx, "record anomaly", func() error {
		return l.recalculate(ctx, profile, trust.TriggerAnomalyDetected)
	})
}

// AdminOverride pins an anchor's trust score directly. The level is derived
// from the override and an evolution record is appended when the stored state
// changes.
func (l *Ledger) AdminOverride(ctx context.Context, anchor string, score float64) error {
	if score < 0 || score > 100 {
		return errs.New(errs.CodeBadRequest, "trust score must be in [0, 100]")
	}
	unlock := l.lockAnchor(anchor)
	defer unlock()

	profile, err := l.profiles.Find(ctx, anchor)
	if err != nil {
		return errs.Wrap(err, errs.CodeNotFound, "experience profile not found")
	}

	now := l.clock()
	level := LevelForScore(score)
	changed := score != profile.TrustScore || level != profile.CurrentTrustLevel
	prevScore, prevLevel := profile.TrustScore, profile.CurrentTrustLevel

	profile.TrustScore = score
	profile.CurrentTrustLevel = level
	profile.TrustLastCalculated = now
	profile.UpdatedAt = now
	if err := l.profiles.Save(ctx, profile); err != nil {
		return errs.Wrap(err, errs.CodeUnavailable, "save experience profile")
	}
	if changed {
		if err := l.appendEvolution(ctx, profile, prevLevel, prevScore, trust.TriggerAdminOverride, trust.ChangeFactors{}); err != nil {
			return errs.Wrap(err, errs.CodeUnavailable, "append evolution record")
		}
	}
	return nil
}

// Profile exposes the stored experience profile for dashboards and
// access-control layers.
func (l *Ledger) Profile(ctx context.Context, anchor string) (*trust.ExperienceProfile, error) {
	profile, err := l.profiles.Find(ctx, anchor)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeNotFound, "experience profile not found")
	}
	return profile, nil
}

// History returns the most recent trust evolution records for an anchor.
func (l *Ledger) History(ctx context.Context, anchor string, limit int) ([]trust.TrustEvolutionRecord, error) {
	return l.evolution.ListByAnchor(ctx, anchor, limit)
}

func aggregate(interactions []trust.Interaction) sessionAggregate {
	agg := sessionAggregate{
		entities:    make(map[string]struct{}),
		entityTypes: make(map[string]struct{}),
	}
	for _, in := range interactions {
		agg.total++
		if in.IsDecision() {
			agg.decisions++
		}
		if in.Outcome == trust.OutcomeSuccess {
			agg.successes++
		}
		for _, e := range in.Entities {
			agg.entities[e.Key()] = struct{}{}
			if e.Type != "" {
				agg.entityTypes[e.Type] = struct{}{}
			}
		}
		if agg.oldest.IsZero() || in.OccurredAt.Before(agg.oldest) {
			agg.oldest = in.OccurredAt
		}
		if in.OccurredAt.After(agg.newest) {
			agg.newest = in.OccurredAt
		}
	}
	if agg.total > 0 {
		agg.successRate = float64(agg.successes) / float64(agg.total)
	}
	return agg
}

func (l *Ledger) applyExperience(ctx context.Context, anchor string, agg sessionAggregate) error {
	now := l.clock()
	profile, err := l.profiles.Find(ctx, anchor)
	if errors.Is(err, ErrNotFound) {
		profile = trust.NewProfile(anchor, now)
	} else if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	prevSuccesses := profile.SuccessRate * float64(profile.TotalInteractions)
	profile.TotalInteractions += int64(agg.total)
	profile.TotalDecisions += int64(agg.decisions)
	profile.TotalEntities += int64(len(agg.entities))
	if profile.TotalInteractions > 0 {
		profile.SuccessRate = (prevSuccesses + float64(agg.successes)) / float64(profile.TotalInteractions)
	}
	profile.ExpertiseDomains = mergeDomains(profile.ExpertiseDomains, agg.entityTypes)
	if !agg.oldest.IsZero() && (profile.OldestInteraction.IsZero() || agg.oldest.Before(profile.OldestInteraction)) {
		profile.OldestInteraction = agg.oldest
	}
	if agg.newest.After(profile.NewestInteraction) {
		profile.NewestInteraction = agg.newest
	}

	return l.recalculate(ctx, profile, trust.TriggerSessionComplete)
}

// recalculate computes the score, persists the profile, and appends an
// evolution record only when the stored (level, score) actually changed.
func (l *Ledger) recalculate(ctx context.Context, profile *trust.ExperienceProfile, trigger trust.ChangeTrigger) error {
	now := l.clock()

	risks, err := l.bindings.RecentRiskScores(ctx, profile.IdentityAnchor, recentSessionWindow)
	if err != nil {
		l.logger.Warn("recent risk scores unavailable", "identity_anchor", profile.IdentityAnchor, "error", err)
		risks = nil
	}
	avgRisk := 0.0
	if len(risks) > 0 {
		for _, r := range risks {
			avgRisk += r
		}
		avgRisk /= float64(len(risks))
	}

	score, factors := CalculateTrustScore(profile, avgRisk, now)
	level := LevelForScore(score)
	changed := score != profile.TrustScore || level != profile.CurrentTrustLevel
	prevScore, prevLevel := profile.TrustScore, profile.CurrentTrustLevel

	profile.TrustScore = score
	profile.CurrentTrustLevel = level
	profile.TrustLastCalculated = now
	profile.UpdatedAt = now
	if err := l.profiles.Save(ctx, profile); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	if !changed {
		return nil
	}
	return l.appendEvolution(ctx, profile, prevLevel, prevScore, trigger, factors)
}

func (l *Ledger) appendEvolution(ctx context.Context, profile *trust.ExperienceProfile, prevLevel int, prevScore float64, trigger trust.ChangeTrigger, factors trust.ChangeFactors) error {
	record := &trust.TrustEvolutionRecord{
		ID:                 uuid.NewString(),
		IdentityAnchor:     profile.IdentityAnchor,
		PreviousTrustLevel: prevLevel,
		NewTrustLevel:      profile.CurrentTrustLevel,
		PreviousTrustScore: prevScore,
		NewTrustScore:      profile.TrustScore,
		ChangeTrigger:      trigger,
		ChangeFactors:      factors,
		ChangedAt:          l.clock(),
	}
	if err := l.evolution.Append(ctx, record); err != nil {
		return fmt.Errorf("append evolution record: %w", err)
	}
	if l.metrics != nil {
		l.metrics.EvolutionRecords.Inc()
		l.metrics.ObserveLevelChange(prevLevel, profile.CurrentTrustLevel)
	}
	if l.publisher != nil {
		event := audit.Event{
			Timestamp:      record.ChangedAt,
			IdentityAnchor: record.IdentityAnchor,
			Action:         actionForTrigger(trigger),
			Trigger:        string(trigger),
			PreviousLevel:  prevLevel,
			NewLevel:       record.NewTrustLevel,
			PreviousScore:  prevScore,
			NewScore:       record.NewTrustScore,
			RequestID:      requestcontext.RequestID(ctx),
		}
		if err := l.publisher.Emit(ctx, event); err != nil {
			l.logger.Warn("audit emit failed", "identity_anchor", record.IdentityAnchor, "error", err)
		}
	}
	return nil
}

func (l *Ledger) closeBinding(ctx context.Context, binding *trust.SessionBinding, agg sessionAggregate, reason trust.UnbindReason) error {
	now := l.clock()
	binding.Interactions = agg.total
	binding.Decisions = agg.decisions
	binding.EntitiesDiscovered = len(agg.entities)
	binding.SessionSuccessRate = agg.successRate
	binding.UnboundAt = &now
	binding.UnbindReason = reason
	if err := l.bindings.Save(ctx, binding); err != nil {
		return errs.Wrap(err, errs.CodeUnavailable, "close session binding")
	}
	return nil
}

func (l *Ledger) ensureProfile(ctx context.Context, anchor string, now time.Time) error {
	_, err := l.profiles.Find(ctx, anchor)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return l.profiles.Save(ctx, trust.NewProfile(anchor, now))
}

func (l *Ledger) withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	l.logger.Warn("retrying persistence", "op", op, "error", err)
	return fn()
}

func (l *Ledger) lockAnchor(anchor string) func() {
	l.mu.Lock()
	m, ok := l.anchorLocks[anchor]
	if !ok {
		m = &sync.Mutex{}
		l.anchorLocks[anchor] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *Ledger) observeResolution(path string) {
	if l.metrics != nil {
		l.metrics.ObserveResolution(path)
	}
}

func actionForTrigger(trigger trust.ChangeTrigger) string {
	switch trigger {
	case trust.TriggerAnomalyDetected:
		return audit.ActionAnomalyRecorded
	case trust.TriggerAdminOverride:
		return audit.ActionAdminOverride
	default:
		return audit.ActionTrustScoreChanged
	}
}

func mergeDomains(existing []string, seen map[string]struct{}) []string {
	if len(seen) == 0 {
		return existing
	}
	have := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		have[d] = struct{}{}
	}
	for d := range seen {
		if _, ok := have[d]; !ok {
			existing = append(existing, d)
		}
	}
	sort.Strings(existing)
	return existing
}
