// Package store provides the persistence implementations for the trust
// ledger: in-memory stores for tests and single-node use, and PostgreSQL
// stores for production.
package store

import (
	"context"
	"sort"
	"sync"

	"foresight/internal/trust"
)

// MemoryBindings keeps session bindings in process memory. Values are copied
// on the way in and out so callers can mutate returned records freely.
type MemoryBindings struct {
	mu       sync.RWMutex
	bindings map[string]*trust.SessionBinding
}

func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{bindings: make(map[string]*trust.SessionBinding)}
}

// FindActive returns the open binding for a session.
func (s *MemoryBindings) FindActive(_ context.Context, sessionID string) (*trust.SessionBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[sessionID]
	if !ok || !b.Active() {
		return nil, trust.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// Find returns the binding for a session regardless of state.
func (s *MemoryBindings) Find(_ context.Context, sessionID string) (*trust.SessionBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[sessionID]
	if !ok {
		return nil, trust.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// Save upserts a binding keyed by session ID.
func (s *MemoryBindings) Save(_ context.Context, binding *trust.SessionBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *binding
	s.bindings[binding.SessionID] = &cp
	return nil
}

// FindAnchorByFingerprint returns the anchor of the most recently bound
// session carrying the same composed fingerprint.
func (s *MemoryBindings) FindAnchorByFingerprint(_ context.Context, fingerprint string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *trust.SessionBinding
	for _, b := range s.bindings {
		if b.ClientFingerprint != fingerprint {
			continue
		}
		if best == nil || b.BoundAt.After(best.BoundAt) {
			best = b
		}
	}
	if best == nil {
		return "", trust.ErrNotFound
	}
	return best.IdentityAnchor, nil
}

// RecentRiskScores returns session risk scores for an anchor's most recent
// sessions, newest first.
func (s *MemoryBindings) RecentRiskScores(_ context.Context, anchor string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var owned []*trust.SessionBinding
	for _, b := range s.bindings {
		if b.IdentityAnchor == anchor {
			owned = append(owned, b)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].LastActivity.After(owned[j].LastActivity)
	})
	if limit > 0 && len(owned) > limit {
		owned = owned[:limit]
	}
	scores := make([]float64, 0, len(owned))
	for _, b := range owned {
		scores = append(scores, b.SessionRiskScore)
	}
	return scores, nil
}

// sessionsForAnchor lists session IDs bound to an anchor. Used by the access
// index below.
func (s *MemoryBindings) sessionsForAnchor(anchor string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, b := range s.bindings {
		if b.IdentityAnchor == anchor {
			ids = append(ids, b.SessionID)
		}
	}
	return ids
}

// MemoryProfiles keeps experience profiles in process memory.
type MemoryProfiles struct {
	mu       sync.RWMutex
	profiles map[string]*trust.ExperienceProfile
}

func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{profiles: make(map[string]*trust.ExperienceProfile)}
}

// Find returns the profile for an anchor.
func (s *MemoryProfiles) Find(_ context.Context, anchor string) (*trust.ExperienceProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[anchor]
	if !ok {
		return nil, trust.ErrNotFound
	}
	cp := *p
	cp.ExpertiseDomains = append([]string(nil), p.ExpertiseDomains...)
	return &cp, nil
}

// Save upserts a profile keyed by identity anchor.
func (s *MemoryProfiles) Save(_ context.Context, profile *trust.ExperienceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *profile
	cp.ExpertiseDomains = append([]string(nil), profile.ExpertiseDomains...)
	s.profiles[profile.IdentityAnchor] = &cp
	return nil
}

// MemoryEvolution keeps the append-only trust evolution log in process
// memory.
type MemoryEvolution struct {
	mu      sync.RWMutex
	records map[string][]trust.TrustEvolutionRecord
}

func NewMemoryEvolution() *MemoryEvolution {
	return &MemoryEvolution{records: make(map[string][]trust.TrustEvolutionRecord)}
}

// Append adds an immutable evolution record.
func (s *MemoryEvolution) Append(_ context.Context, record *trust.TrustEvolutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.IdentityAnchor] = append(s.records[record.IdentityAnchor], *record)
	return nil
}

// ListByAnchor returns evolution records newest first.
func (s *MemoryEvolution) ListByAnchor(_ context.Context, anchor string, limit int) ([]trust.TrustEvolutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := append([]trust.TrustEvolutionRecord(nil), s.records[anchor]...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ChangedAt.After(records[j].ChangedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// MemoryInteractions keeps session interaction logs in process memory.
type MemoryInteractions struct {
	mu           sync.RWMutex
	interactions map[string][]trust.Interaction
	committed    map[string]struct{}
}

func NewMemoryInteractions() *MemoryInteractions {
	return &MemoryInteractions{
		interactions: make(map[string][]trust.Interaction),
		committed:    make(map[string]struct{}),
	}
}

// Append adds one interaction to a session's log.
func (s *MemoryInteractions) Append(_ context.Context, sessionID string, interaction trust.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[sessionID] = append(s.interactions[sessionID], interaction)
	return nil
}

// BySession returns a session's uncommitted interactions in recorded order.
// A tombstoned session reads back empty so its experience is folded into the
// profile at most once.
func (s *MemoryInteractions) BySession(_ context.Context, sessionID string) ([]trust.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.committed[sessionID]; ok {
		return nil, nil
	}
	return append([]trust.Interaction(nil), s.interactions[sessionID]...), nil
}

// MarkCommitted tombstones a session's log. The interactions stay readable
// through the access index for cache warming.
func (s *MemoryInteractions) MarkCommitted(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[sessionID] = struct{}{}
	return nil
}

func (s *MemoryInteractions) bySessions(sessionIDs []string) []trust.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []trust.Interaction
	for _, sid := range sessionIDs {
		out = append(out, s.interactions[sid]...)
	}
	return out
}

// MemoryAccessIndex composes the binding and interaction stores into the
// access-pattern view the cache warmer consumes.
type MemoryAccessIndex struct {
	bindings     *MemoryBindings
	interactions *MemoryInteractions
}

func NewMemoryAccessIndex(bindings *MemoryBindings, interactions *MemoryInteractions) *MemoryAccessIndex {
	return &MemoryAccessIndex{bindings: bindings, interactions: interactions}
}

// RecentEntities returns entity references from the most recent interactions
// for a session ID or identity anchor, newest interactions first.
func (s *MemoryAccessIndex) RecentEntities(_ context.Context, id string, limit int) ([]trust.EntityRef, error) {
	seen := map[string]struct{}{id: {}}
	sessionIDs := []string{id}
	for _, sid := range s.bindings.sessionsForAnchor(id) {
		if _, ok := seen[sid]; !ok {
			seen[sid] = struct{}{}
			sessionIDs = append(sessionIDs, sid)
		}
	}

	recent := s.interactions.bySessions(sessionIDs)
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].OccurredAt.After(recent[j].OccurredAt)
	})
	if limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}

	var refs []trust.EntityRef
	for _, in := range recent {
		refs = append(refs, in.Entities...)
	}
	return refs, nil
}
