package metering

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldserve/backend/internal/domain/metering"
	"github.com/fieldserve/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// memPackRepository is an in-memory PackRepository for service tests
type memPackRepository struct {
	mu    sync.Mutex
	packs map[uuid.UUID]*metering.Pack
}

func newMemPackRepository() *memPackRepository {
	return &memPackRepository{packs: make(map[uuid.UUID]*metering.Pack)}
}

func copyPack(p *metering.Pack) *metering.Pack {
	c := *p
	if p.ExpiresAt != nil {
		exp := *p.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}

func (r *memPackRepository) Create(ctx context.Context, pack *metering.Pack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs[pack.ID] = copyPack(pack)
	return nil
}

func (r *memPackRepository) FindByID(ctx context.Context, id uuid.UUID) (*metering.Pack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return copyPack(p), nil
}

func (r *memPackRepository) FindReservable(ctx context.Context, orgID uuid.UUID, resourceType metering.ResourceType, at time.Time) ([]*metering.Pack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*metering.Pack
	for _, p := range r.packs {
		if p.OrgID == orgID && p.ResourceType == resourceType && p.IsReservable(at) {
			result = append(result, copyPack(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return a.PurchasedAt.Before(b.PurchasedAt)
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		default:
			return a.PurchasedAt.Before(b.PurchasedAt)
		}
	})
	return result, nil
}

func (r *memPackRepository) FindByOrg(ctx context.Context, orgID uuid.UUID) ([]*metering.Pack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*metering.Pack
	for _, p := range r.packs {
		if p.OrgID == orgID {
			result = append(result, copyPack(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PurchasedAt.After(result[j].PurchasedAt)
	})
	return result, nil
}

func (r *memPackRepository) DecrementRemaining(ctx context.Context, packID uuid.UUID, quantity int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packs[packID]
	if !ok || p.QuantityRemaining < quantity {
		return false, nil
	}
	p.QuantityRemaining -= quantity
	return true, nil
}

func (r *memPackRepository) CreditRemaining(ctx context.Context, packID uuid.UUID, quantity int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packs[packID]
	if !ok || p.QuantityRemaining+quantity > p.QuantityTotal {
		return false, nil
	}
	p.QuantityRemaining += quantity
	return true, nil
}

func (r *memPackRepository) ConservationReport(ctx context.Context) ([]metering.ConservationRow, error) {
	return nil, nil
}

func (r *memPackRepository) snapshot() map[uuid.UUID]*metering.Pack {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[uuid.UUID]*metering.Pack, len(r.packs))
	for id, p := range r.packs {
		snap[id] = copyPack(p)
	}
	return snap
}

func (r *memPackRepository) restore(snap map[uuid.UUID]*metering.Pack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs = snap
}

// memUsageEventRepository is an in-memory UsageEventRepository for service tests
type memUsageEventRepository struct {
	mu     sync.Mutex
	events map[uuid.UUID]*metering.UsageEvent
	byKey  map[string]uuid.UUID
}

func newMemUsageEventRepository() *memUsageEventRepository {
	return &memUsageEventRepository{
		events: make(map[uuid.UUID]*metering.UsageEvent),
		byKey:  make(map[string]uuid.UUID),
	}
}

func eventKey(orgID uuid.UUID, key string) string {
	return orgID.String() + "/" + key
}

func copyEvent(e *metering.UsageEvent) *metering.UsageEvent {
	c := *e
	c.Allocations = append([]metering.PackAllocation(nil), e.Allocations...)
	if e.ResolvedAt != nil {
		at := *e.ResolvedAt
		c.ResolvedAt = &at
	}
	if e.LeaseExpiresAt != nil {
		at := *e.LeaseExpiresAt
		c.LeaseExpiresAt = &at
	}
	return &c
}

func (r *memUsageEventRepository) Create(ctx context.Context, event *metering.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := eventKey(event.OrgID, event.IdempotencyKey)
	if _, dup := r.byKey[k]; dup {
		return shared.ErrAlreadyExists
	}
	r.events[event.ID] = copyEvent(event)
	r.byKey[k] = event.ID
	return nil
}

func (r *memUsageEventRepository) FindByID(ctx context.Context, id uuid.UUID) (*metering.UsageEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return copyEvent(e), nil
}

func (r *memUsageEventRepository) FindByIdempotencyKey(ctx context.Context, orgID uuid.UUID, key string) (*metering.UsageEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[eventKey(orgID, key)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return copyEvent(r.events[id]), nil
}

func (r *memUsageEventRepository) Transition(ctx context.Context, id uuid.UUID, target metering.EventState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok || e.State != metering.EventStateReserved {
		return false, nil
	}
	now := time.Now()
	e.State = target
	e.ResolvedAt = &now
	return true, nil
}

func (r *memUsageEventRepository) FindStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*metering.UsageEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*metering.UsageEvent
	for _, e := range r.events {
		if e.State == metering.EventStateReserved && e.CreatedAt.Before(cutoff) {
			result = append(result, copyEvent(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *memUsageEventRepository) Claim(ctx context.Context, id uuid.UUID, owner string, leaseUntil time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok || e.State != metering.EventStateReserved {
		return false, nil
	}
	now := time.Now()
	claimable := e.ResolverOwner == "" ||
		e.ResolverOwner == owner ||
		(e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(now))
	if !claimable {
		return false, nil
	}
	e.ResolverOwner = owner
	e.LeaseExpiresAt = &leaseUntil
	return true, nil
}

func (r *memUsageEventRepository) ReleaseClaim(ctx context.Context, id uuid.UUID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if ok && e.ResolverOwner == owner {
		e.ResolverOwner = ""
		e.LeaseExpiresAt = nil
	}
	return nil
}

func (r *memUsageEventRepository) IncrementEscalation(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok || e.State != metering.EventStateReserved {
		return shared.ErrNotFound
	}
	e.EscalationCount++
	return nil
}

func (r *memUsageEventRepository) CountByState(ctx context.Context, state metering.EventState) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.events {
		if e.State == state {
			n++
		}
	}
	return n, nil
}

func (r *memUsageEventRepository) FindEscalated(ctx context.Context, ceiling int) ([]*metering.UsageEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*metering.UsageEvent
	for _, e := range r.events {
		if e.State == metering.EventStateReserved && e.EscalationCount >= ceiling {
			result = append(result, copyEvent(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *memUsageEventRepository) snapshot() (map[uuid.UUID]*metering.UsageEvent, map[string]uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make(map[uuid.UUID]*metering.UsageEvent, len(r.events))
	for id, e := range r.events {
		events[id] = copyEvent(e)
	}
	byKey := make(map[string]uuid.UUID, len(r.byKey))
	for k, v := range r.byKey {
		byKey[k] = v
	}
	return events, byKey
}

func (r *memUsageEventRepository) restore(events map[uuid.UUID]*metering.UsageEvent, byKey map[string]uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = events
	r.byKey = byKey
}

// memScope implements TransactionScope over the in-memory repositories.
// It restores a pre-call snapshot when fn fails, mimicking a rollback.
// Transactions run one at a time, the way the database serializes the
// conflicting row updates inside them.
type memScope struct {
	mu     sync.Mutex
	packs  *memPackRepository
	events *memUsageEventRepository
}

func (s *memScope) Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	packSnap := s.packs.snapshot()
	eventSnap, keySnap := s.events.snapshot()

	if err := fn(s); err != nil {
		s.packs.restore(packSnap)
		s.events.restore(eventSnap, keySnap)
		return err
	}
	return nil
}

func (s *memScope) PackRepo() metering.PackRepository        { return s.packs }
func (s *memScope) EventRepo() metering.UsageEventRepository { return s.events }

// stubProber returns a fixed verdict, or per-event verdicts when set
type stubProber struct {
	outcome  Outcome
	err      error
	perEvent map[uuid.UUID]Outcome
}

func (p *stubProber) Probe(ctx context.Context, event *metering.UsageEvent) (Outcome, error) {
	if p.err != nil {
		return OutcomeUnknown, p.err
	}
	if p.perEvent != nil {
		if o, ok := p.perEvent[event.ID]; ok {
			return o, nil
		}
	}
	return p.outcome, nil
}

func newTestEnv() (*memScope, *memPackRepository, *memUsageEventRepository) {
	packs := newMemPackRepository()
	events := newMemUsageEventRepository()
	return &memScope{packs: packs, events: events}, packs, events
}
