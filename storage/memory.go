package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// MemoryStore is an in-memory implementation of interfaces.Store. It backs
// the test suite and single-node reference deployments; every accessor
// copies entities in and out so callers never alias stored state.
type MemoryStore struct {
	mu sync.RWMutex

	setups     map[interfaces.SetupID]*interfaces.Setup
	byAccount  map[interfaces.AccountID]interfaces.SetupID
	shards     map[shardKey]*interfaces.ShardRecord
	guardians  map[interfaces.GuardianID]*interfaces.Guardian
	attempts   map[interfaces.AttemptID]*interfaces.Attempt
	challenges map[interfaces.ChallengeID]*interfaces.Challenge
	approvals  map[string]*interfaces.Approval // keyed by token
	audit      map[interfaces.AccountID][]*interfaces.AuditEntry
}

type shardKey struct {
	setup interfaces.SetupID
	index int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		setups:     make(map[interfaces.SetupID]*interfaces.Setup),
		byAccount:  make(map[interfaces.AccountID]interfaces.SetupID),
		shards:     make(map[shardKey]*interfaces.ShardRecord),
		guardians:  make(map[interfaces.GuardianID]*interfaces.Guardian),
		attempts:   make(map[interfaces.AttemptID]*interfaces.Attempt),
		challenges: make(map[interfaces.ChallengeID]*interfaces.Challenge),
		approvals:  make(map[string]*interfaces.Approval),
		audit:      make(map[interfaces.AccountID][]*interfaces.AuditEntry),
	}
}

// CreateSetup implements interfaces.SetupStore.
func (s *MemoryStore) CreateSetup(_ context.Context, setup *interfaces.Setup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.setups[setup.ID]; ok {
		return fmt.Errorf("setup %s already exists", setup.ID)
	}
	cp := *setup
	s.setups[setup.ID] = &cp
	s.byAccount[setup.AccountID] = setup.ID
	return nil
}

// GetSetup implements interfaces.SetupStore.
func (s *MemoryStore) GetSetup(_ context.Context, id interfaces.SetupID) (*interfaces.Setup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	setup, ok := s.setups[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *setup
	return &cp, nil
}

// GetSetupByAccount implements interfaces.SetupStore.
func (s *MemoryStore) GetSetupByAccount(ctx context.Context, account interfaces.AccountID) (*interfaces.Setup, error) {
	s.mu.RLock()
	id, ok := s.byAccount[account]
	s.mu.RUnlock()
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return s.GetSetup(ctx, id)
}

// UpdateSetup implements interfaces.SetupStore.
func (s *MemoryStore) UpdateSetup(_ context.Context, setup *interfaces.Setup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.setups[setup.ID]; !ok {
		return interfaces.ErrNotFound
	}
	cp := *setup
	s.setups[setup.ID] = &cp
	return nil
}

// PutShard implements interfaces.ShardStore, enforcing (setup, index)
// uniqueness.
func (s *MemoryStore) PutShard(_ context.Context, rec *interfaces.ShardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := shardKey{rec.SetupID, rec.Index}
	if _, ok := s.shards[key]; ok {
		return interfaces.ErrShardExists
	}
	cp := *rec
	s.shards[key] = &cp
	return nil
}

// GetShard implements interfaces.ShardStore.
func (s *MemoryStore) GetShard(_ context.Context, setup interfaces.SetupID, index int) (*interfaces.ShardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.shards[shardKey{setup, index}]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListShards implements interfaces.ShardStore.
func (s *MemoryStore) ListShards(_ context.Context, setup interfaces.SetupID) ([]*interfaces.ShardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.ShardRecord
	for key, rec := range s.shards {
		if key.setup == setup {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// UpdateShard implements interfaces.ShardStore.
func (s *MemoryStore) UpdateShard(_ context.Context, rec *interfaces.ShardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := shardKey{rec.SetupID, rec.Index}
	if _, ok := s.shards[key]; !ok {
		return interfaces.ErrNotFound
	}
	cp := *rec
	s.shards[key] = &cp
	return nil
}

// CreateGuardian implements interfaces.GuardianStore.
func (s *MemoryStore) CreateGuardian(_ context.Context, g *interfaces.Guardian) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.guardians[g.ID]; ok {
		return fmt.Errorf("guardian %s already exists", g.ID)
	}
	cp := *g
	s.guardians[g.ID] = &cp
	return nil
}

// GetGuardian implements interfaces.GuardianStore.
func (s *MemoryStore) GetGuardian(_ context.Context, id interfaces.GuardianID) (*interfaces.Guardian, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guardians[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// GetGuardianByToken implements interfaces.GuardianStore.
func (s *MemoryStore) GetGuardianByToken(_ context.Context, token string) (*interfaces.Guardian, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.guardians {
		if g.InviteToken == token {
			cp := *g
			return &cp, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

// ListGuardians implements interfaces.GuardianStore.
func (s *MemoryStore) ListGuardians(_ context.Context, setup interfaces.SetupID) ([]*interfaces.Guardian, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Guardian
	for _, g := range s.guardians {
		if g.SetupID == setup {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardIndex < out[j].ShardIndex })
	return out, nil
}

// UpdateGuardian implements interfaces.GuardianStore.
func (s *MemoryStore) UpdateGuardian(_ context.Context, g *interfaces.Guardian) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.guardians[g.ID]; !ok {
		return interfaces.ErrNotFound
	}
	cp := *g
	s.guardians[g.ID] = &cp
	return nil
}

// CreateAttempt implements interfaces.AttemptStore.
func (s *MemoryStore) CreateAttempt(_ context.Context, a *interfaces.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.ID]; ok {
		return fmt.Errorf("attempt %s already exists", a.ID)
	}
	a.Version = 1
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

// GetAttempt implements interfaces.AttemptStore.
func (s *MemoryStore) GetAttempt(_ context.Context, id interfaces.AttemptID) (*interfaces.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// UpdateAttempt implements interfaces.AttemptStore. It enforces optimistic
// versioning and refuses writes against attempts already terminal, which is
// what makes state transitions linearizable and terminal states final.
func (s *MemoryStore) UpdateAttempt(_ context.Context, a *interfaces.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.attempts[a.ID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if cur.Status.Terminal() {
		return interfaces.ErrAttemptTerminal
	}
	if cur.Version != a.Version {
		return interfaces.ErrVersionConflict
	}
	a.Version++
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

// ListAttempts implements interfaces.AttemptStore.
func (s *MemoryStore) ListAttempts(_ context.Context, setup interfaces.SetupID) ([]*interfaces.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Attempt
	for _, a := range s.attempts {
		if a.SetupID == setup {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListStaleAttempts implements interfaces.AttemptStore.
func (s *MemoryStore) ListStaleAttempts(_ context.Context, now time.Time) ([]*interfaces.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Attempt
	for _, a := range s.attempts {
		if !a.Status.Terminal() && now.After(a.ExpiresAt) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreateChallenges implements interfaces.ChallengeStore.
func (s *MemoryStore) CreateChallenges(_ context.Context, batch []*interfaces.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range batch {
		if _, ok := s.challenges[c.ID]; ok {
			return fmt.Errorf("challenge %s already exists", c.ID)
		}
	}
	for _, c := range batch {
		cp := *c
		s.challenges[c.ID] = &cp
	}
	return nil
}

// GetChallenge implements interfaces.ChallengeStore.
func (s *MemoryStore) GetChallenge(_ context.Context, id interfaces.ChallengeID) (*interfaces.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListChallenges implements interfaces.ChallengeStore.
func (s *MemoryStore) ListChallenges(_ context.Context, attempt interfaces.AttemptID) ([]*interfaces.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Challenge
	for _, c := range s.challenges {
		if c.AttemptID == attempt {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledSendAt.Before(out[j].ScheduledSendAt) })
	return out, nil
}

// UpdateChallenge implements interfaces.ChallengeStore.
func (s *MemoryStore) UpdateChallenge(_ context.Context, c *interfaces.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[c.ID]; !ok {
		return interfaces.ErrNotFound
	}
	cp := *c
	s.challenges[c.ID] = &cp
	return nil
}

// ListDueChallenges implements interfaces.ChallengeStore.
func (s *MemoryStore) ListDueChallenges(_ context.Context, now time.Time) ([]*interfaces.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Challenge
	for _, c := range s.challenges {
		if c.Status == interfaces.ChallengeScheduled && !now.Before(c.ScheduledSendAt) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledSendAt.Before(out[j].ScheduledSendAt) })
	return out, nil
}

// CreateApprovals implements interfaces.ApprovalStore.
func (s *MemoryStore) CreateApprovals(_ context.Context, batch []*interfaces.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range batch {
		if _, ok := s.approvals[a.Token]; ok {
			return fmt.Errorf("approval token collision")
		}
	}
	for _, a := range batch {
		cp := *a
		s.approvals[a.Token] = &cp
	}
	return nil
}

// GetApprovalByToken implements interfaces.ApprovalStore.
func (s *MemoryStore) GetApprovalByToken(_ context.Context, token string) (*interfaces.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[token]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListApprovals implements interfaces.ApprovalStore.
func (s *MemoryStore) ListApprovals(_ context.Context, attempt interfaces.AttemptID) ([]*interfaces.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Approval
	for _, a := range s.approvals {
		if a.AttemptID == attempt {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

// UpdateApproval implements interfaces.ApprovalStore. Status and
// shard_released change together in this single mutation.
func (s *MemoryStore) UpdateApproval(_ context.Context, a *interfaces.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.Token]; !ok {
		return interfaces.ErrNotFound
	}
	cp := *a
	s.approvals[a.Token] = &cp
	return nil
}

// AppendAudit implements interfaces.AuditStore.
func (s *MemoryStore) AppendAudit(_ context.Context, e *interfaces.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.audit[e.AccountID] = append(s.audit[e.AccountID], &cp)
	return nil
}

// LastAudit implements interfaces.AuditStore.
func (s *MemoryStore) LastAudit(_ context.Context, account interfaces.AccountID) (*interfaces.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.audit[account]
	if len(chain) == 0 {
		return nil, interfaces.ErrNotFound
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

// ListAudit implements interfaces.AuditStore.
func (s *MemoryStore) ListAudit(_ context.Context, account interfaces.AccountID) ([]*interfaces.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.audit[account]
	out := make([]*interfaces.AuditEntry, len(chain))
	for i, e := range chain {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

var _ interfaces.Store = (*MemoryStore)(nil)
