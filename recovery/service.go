// Package recovery is the orchestrator of the account recovery protocol.
// It owns the setup lifecycle and the recovery attempt state machine, and
// is the only package allowed to mutate attempt status. Every transition
// is audited; every failure feeds the lockout guard.
package recovery

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/vaultmesh/recovery-service-backend/audit"
	"github.com/vaultmesh/recovery-service-backend/challenge"
	"github.com/vaultmesh/recovery-service-backend/cryptoutils"
	"github.com/vaultmesh/recovery-service-backend/guardian"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
	"github.com/vaultmesh/recovery-service-backend/shardvault"
	"github.com/vaultmesh/recovery-service-backend/threshold"
	"github.com/vaultmesh/recovery-service-backend/trust"
)

// setupKEKDomain separates the key-encryption keys wrapping per-setup KEM
// private keys from every other derived key.
const setupKEKDomain = "recovery-setup-kek-v1"

// defaultMaxChallenges bounds how many challenges one attempt schedules.
const defaultMaxChallenges = 5

// Config carries the service-level knobs.
type Config struct {
	// MasterKey is the service secret the per-setup key-encryption keys are
	// derived from. Must be at least 32 bytes.
	MasterKey []byte

	// MaxChallenges caps the challenge set per attempt. Zero means the
	// default of 5.
	MaxChallenges int
}

// Service wires the recovery core together. All collaborators are injected;
// nothing in this package reaches for process-wide state, so tests run with
// fixed randomness and a simulated clock.
type Service struct {
	cfg Config

	store     interfaces.Store
	vault     *shardvault.Vault
	shares    *threshold.Store
	kem       cryptoutils.KEM
	engine    *challenge.Engine
	scorer    *trust.Scorer
	guardians *guardian.Protocol
	auditLog  *audit.Log
	lockout   *audit.LockoutGuard
	signals   interfaces.RiskSignalProvider
	sched     interfaces.Scheduler
	notifier  interfaces.Notifier
	clock     interfaces.Clock
	rand      io.Reader
	log       *slog.Logger

	locks attemptLocks
}

// Deps bundles the collaborators for NewService.
type Deps struct {
	Store     interfaces.Store
	Vault     *shardvault.Vault
	Shares    *threshold.Store
	KEM       cryptoutils.KEM
	Engine    *challenge.Engine
	Scorer    *trust.Scorer
	Guardians *guardian.Protocol
	AuditLog  *audit.Log
	Lockout   *audit.LockoutGuard
	Signals   interfaces.RiskSignalProvider
	Scheduler interfaces.Scheduler
	Notifier  interfaces.Notifier
	Clock     interfaces.Clock
	Rand      io.Reader
	Log       *slog.Logger
}

// NewService creates the recovery service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if len(cfg.MasterKey) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes, got %d", len(cfg.MasterKey))
	}
	if cfg.MaxChallenges <= 0 {
		cfg.MaxChallenges = defaultMaxChallenges
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		vault:     deps.Vault,
		shares:    deps.Shares,
		kem:       deps.KEM,
		engine:    deps.Engine,
		scorer:    deps.Scorer,
		guardians: deps.Guardians,
		auditLog:  deps.AuditLog,
		lockout:   deps.Lockout,
		signals:   deps.Signals,
		sched:     deps.Scheduler,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		rand:      deps.Rand,
		log:       log,
	}, nil
}

// setupKEK derives the key-encryption key wrapping one setup's KEM private
// key. Binding the setup ID into the derivation means a leaked wrapped key
// from one setup is useless against another.
func (s *Service) setupKEK(setupID interfaces.SetupID) ([]byte, error) {
	input := make([]byte, 0, len(s.cfg.MasterKey)+16)
	input = append(input, s.cfg.MasterKey...)
	input = append(input, setupID[:]...)
	return cryptoutils.DeriveKey(setupKEKDomain, input, 32)
}

// wrapPrivateKey encrypts a setup's KEM private key for storage at rest.
func (s *Service) wrapPrivateKey(setupID interfaces.SetupID, sk []byte) ([]byte, error) {
	kek, err := s.setupKEK(setupID)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(kek)
	return cryptoutils.SealSymmetric(s.rand, kek, sk, setupID[:])
}

// unwrapPrivateKey decrypts a setup's KEM private key into a zero-on-close
// buffer. Callers must Close the buffer as soon as the key has been used.
func (s *Service) unwrapPrivateKey(setup *interfaces.Setup) (*cryptoutils.SecretBuffer, error) {
	kek, err := s.setupKEK(setup.ID)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(kek)

	sk, err := cryptoutils.OpenSymmetric(kek, setup.EncryptedKEMPrivateKey, setup.ID[:])
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap setup private key: %w", err)
	}
	return cryptoutils.NewSecretBuffer(sk), nil
}

// shardAAD binds a sealed shard payload to its setup and index so payloads
// cannot be replayed across setups or swapped between indices.
func shardAAD(setupID interfaces.SetupID, index int) []byte {
	aad := make([]byte, 0, 17)
	aad = append(aad, setupID[:]...)
	aad = append(aad, byte(index))
	return aad
}

// attemptLocks serializes mutations per attempt. Combined with the store's
// optimistic versioning this gives linearizable transitions: the lock
// orders writers in-process, the version catches anything that slips past
// it across processes.
type attemptLocks struct {
	mu sync.Mutex
	m  map[interfaces.AttemptID]*sync.Mutex
}

func (l *attemptLocks) lock(id interfaces.AttemptID) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[interfaces.AttemptID]*sync.Mutex)
	}
	mu, ok := l.m[id]
	if !ok {
		mu = &sync.Mutex{}
		l.m[id] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
