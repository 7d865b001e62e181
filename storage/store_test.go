package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

func newTestStores(t *testing.T) map[string]interfaces.Store {
	t.Helper()

	sqlStore, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]interfaces.Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func testSetup(account string) *interfaces.Setup {
	now := time.Now().UTC().Truncate(time.Second)
	return &interfaces.Setup{
		ID:              uuid.New(),
		AccountID:       interfaces.AccountID(account),
		TotalShards:     5,
		ThresholdShards: 3,
		KEMPublicKey:    []byte("pk"),
		Policy:          interfaces.DefaultPolicy(),
		IsActive:        true,
		ContactChannel:  "email",
		ContactRef:      "owner@example.com",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestSetupStore(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			setup := testSetup("acct-1")
			require.NoError(t, store.CreateSetup(ctx, setup))

			got, err := store.GetSetup(ctx, setup.ID)
			require.NoError(t, err)
			assert.Equal(t, setup.ID, got.ID)
			assert.Equal(t, setup.ThresholdShards, got.ThresholdShards)

			byAccount, err := store.GetSetupByAccount(ctx, "acct-1")
			require.NoError(t, err)
			assert.Equal(t, setup.ID, byAccount.ID)

			_, err = store.GetSetupByAccount(ctx, "unknown")
			assert.ErrorIs(t, err, interfaces.ErrNotFound)

			got.IsActive = false
			require.NoError(t, store.UpdateSetup(ctx, got))
			reread, err := store.GetSetup(ctx, setup.ID)
			require.NoError(t, err)
			assert.False(t, reread.IsActive)
		})
	}
}

func TestShardStore(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			setup := testSetup("acct-shards")
			require.NoError(t, store.CreateSetup(ctx, setup))

			guardianID := uuid.New()
			rec := &interfaces.ShardRecord{
				SetupID:     setup.ID,
				Index:       1,
				Type:        interfaces.ShardTypeGuardian,
				Context:     interfaces.GuardianShardContext{GuardianID: guardianID},
				PayloadID:   interfaces.ComputeID([]byte("sealed")),
				PayloadSize: 6,
				CreatedAt:   time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, store.PutShard(ctx, rec))

			// (setup, index) is unique
			assert.ErrorIs(t, store.PutShard(ctx, rec), interfaces.ErrShardExists)

			honeypot := &interfaces.ShardRecord{
				SetupID:    setup.ID,
				Index:      interfaces.HoneypotShardIndex,
				Type:       interfaces.ShardTypeHoneypot,
				Context:    interfaces.HoneypotShardContext{},
				IsHoneypot: true,
				PayloadID:  interfaces.ComputeID([]byte("decoy")),
				CreatedAt:  time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, store.PutShard(ctx, honeypot))

			got, err := store.GetShard(ctx, setup.ID, 1)
			require.NoError(t, err)
			gctx, ok := got.Context.(interfaces.GuardianShardContext)
			require.True(t, ok, "context should round-trip as GuardianShardContext")
			assert.Equal(t, guardianID, gctx.GuardianID)

			all, err := store.ListShards(ctx, setup.ID)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, interfaces.HoneypotShardIndex, all[0].Index)
			assert.True(t, all[0].IsHoneypot)

			now := time.Now().UTC().Truncate(time.Second)
			got.AccessCount = 1
			got.LastAccessedAt = &now
			require.NoError(t, store.UpdateShard(ctx, got))

			reread, err := store.GetShard(ctx, setup.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, 1, reread.AccessCount)
			require.NotNil(t, reread.LastAccessedAt)
		})
	}
}

func TestGuardianStore(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			setup := testSetup("acct-guardians")
			require.NoError(t, store.CreateSetup(ctx, setup))

			g := &interfaces.Guardian{
				ID:                uuid.New(),
				SetupID:           setup.ID,
				ShardIndex:        2,
				EncryptedIdentity: []byte("sealed-identity"),
				Status:            interfaces.GuardianPending,
				InviteToken:       "invite-token-1",
				InviteExpiresAt:   time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second),
				RequireVideo:      true,
				CreatedAt:         time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, store.CreateGuardian(ctx, g))

			byToken, err := store.GetGuardianByToken(ctx, "invite-token-1")
			require.NoError(t, err)
			assert.Equal(t, g.ID, byToken.ID)
			assert.True(t, byToken.RequireVideo)

			_, err = store.GetGuardianByToken(ctx, "bogus")
			assert.ErrorIs(t, err, interfaces.ErrNotFound)

			byToken.Status = interfaces.GuardianActive
			require.NoError(t, store.UpdateGuardian(ctx, byToken))

			listed, err := store.ListGuardians(ctx, setup.ID)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, interfaces.GuardianActive, listed[0].Status)
		})
	}
}

func testAttempt(setup interfaces.SetupID) *interfaces.Attempt {
	now := time.Now().UTC().Truncate(time.Second)
	return &interfaces.Attempt{
		ID:      uuid.New(),
		SetupID: setup,
		Status:  interfaces.AttemptInitiated,
		Context: interfaces.SecurityContext{
			IPAddress:         "198.51.100.7",
			DeviceFingerprint: "fp-a",
		},
		ShardsRequired:   3,
		CanarySentAt:     now,
		CanaryWindowEnds: now.Add(24 * time.Hour),
		ExpiresAt:        now.Add(14 * 24 * time.Hour),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestAttemptStoreVersioning(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			setup := testSetup("acct-attempts")
			require.NoError(t, store.CreateSetup(ctx, setup))

			a := testAttempt(setup.ID)
			require.NoError(t, store.CreateAttempt(ctx, a))
			assert.Equal(t, uint64(1), a.Version)

			// Two readers load the same version; only the first write wins.
			first, err := store.GetAttempt(ctx, a.ID)
			require.NoError(t, err)
			second, err := store.GetAttempt(ctx, a.ID)
			require.NoError(t, err)

			first.Status = interfaces.AttemptChallengePhase
			require.NoError(t, store.UpdateAttempt(ctx, first))

			second.Status = interfaces.AttemptFailed
			err = store.UpdateAttempt(ctx, second)
			assert.ErrorIs(t, err, interfaces.ErrVersionConflict)

			cur, err := store.GetAttempt(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, interfaces.AttemptChallengePhase, cur.Status)
			assert.Equal(t, uint64(2), cur.Version)
		})
	}
}

func TestAttemptStoreTerminalFreeze(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			setup := testSetup("acct-terminal")
			require.NoError(t, store.CreateSetup(ctx, setup))

			a := testAttempt(setup.ID)
			require.NoError(t, store.CreateAttempt(ctx, a))

			a.Status = interfaces.AttemptCancelled
			a.CancelledByOwner = true
			require.NoError(t, store.UpdateAttempt(ctx, a))

			// No write may land after a terminal status, even at the right version.
			a.Status = interfaces.AttemptCompleted
			err := store.UpdateAttempt(ctx, a)
			assert.ErrorIs(t, err, interfaces.ErrAttemptTerminal)

			cur, err := store.GetAttempt(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, interfaces.AttemptCancelled, cur.Status)
			assert.True(t, cur.CancelledByOwner)
		})
	}
}

func TestAttemptStoreStaleListing(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			setup := testSetup("acct-stale")
			require.NoError(t, store.CreateSetup(ctx, setup))

			stale := testAttempt(setup.ID)
			stale.ExpiresAt = now.Add(-time.Hour)
			require.NoError(t, store.CreateAttempt(ctx, stale))

			fresh := testAttempt(setup.ID)
			fresh.ExpiresAt = now.Add(time.Hour)
			require.NoError(t, store.CreateAttempt(ctx, fresh))

			terminal := testAttempt(setup.ID)
			terminal.ExpiresAt = now.Add(-time.Hour)
			require.NoError(t, store.CreateAttempt(ctx, terminal))
			terminal.Status = interfaces.AttemptFailed
			require.NoError(t, store.UpdateAttempt(ctx, terminal))

			listed, err := store.ListStaleAttempts(ctx, now)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, stale.ID, listed[0].ID)
		})
	}
}

func TestChallengeStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			setup := testSetup("acct-challenges")
			require.NoError(t, store.CreateSetup(ctx, setup))
			a := testAttempt(setup.ID)
			require.NoError(t, store.CreateAttempt(ctx, a))

			batch := []*interfaces.Challenge{
				{
					ID:              uuid.New(),
					AttemptID:       a.ID,
					Type:            interfaces.ChallengeDeviceFingerprint,
					SealedQuestion:  []byte("q1"),
					SealedAnswer:    []byte("a1"),
					Channel:         "email",
					ScheduledSendAt: now.Add(-time.Minute),
					WindowStart:     now.Add(-time.Minute),
					WindowEnd:       now.Add(24 * time.Hour),
					ExpiresAt:       now.Add(48 * time.Hour),
					Status:          interfaces.ChallengeScheduled,
				},
				{
					ID:              uuid.New(),
					AttemptID:       a.ID,
					Type:            interfaces.ChallengeGeolocation,
					SealedQuestion:  []byte("q2"),
					SealedAnswer:    []byte("a2"),
					Channel:         "email",
					ScheduledSendAt: now.Add(time.Hour),
					WindowStart:     now.Add(time.Hour),
					WindowEnd:       now.Add(25 * time.Hour),
					ExpiresAt:       now.Add(49 * time.Hour),
					Status:          interfaces.ChallengeScheduled,
				},
			}
			require.NoError(t, store.CreateChallenges(ctx, batch))

			listed, err := store.ListChallenges(ctx, a.ID)
			require.NoError(t, err)
			require.Len(t, listed, 2)
			assert.Equal(t, batch[0].ID, listed[0].ID, "listing should follow send order")

			due, err := store.ListDueChallenges(ctx, now)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, batch[0].ID, due[0].ID)

			sent := now
			due[0].Status = interfaces.ChallengeSent
			due[0].SentAt = &sent
			require.NoError(t, store.UpdateChallenge(ctx, due[0]))

			due, err = store.ListDueChallenges(ctx, now)
			require.NoError(t, err)
			assert.Empty(t, due, "sent challenges are no longer due")
		})
	}
}

func TestApprovalStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			setup := testSetup("acct-approvals")
			require.NoError(t, store.CreateSetup(ctx, setup))
			a := testAttempt(setup.ID)
			require.NoError(t, store.CreateAttempt(ctx, a))

			approval := &interfaces.Approval{
				ID:          uuid.New(),
				AttemptID:   a.ID,
				GuardianID:  uuid.New(),
				Token:       "approval-token-1",
				WindowStart: now,
				WindowEnd:   now.Add(24 * time.Hour),
				Status:      interfaces.ApprovalPending,
			}
			require.NoError(t, store.CreateApprovals(ctx, []*interfaces.Approval{approval}))

			got, err := store.GetApprovalByToken(ctx, "approval-token-1")
			require.NoError(t, err)
			assert.Equal(t, approval.ID, got.ID)

			_, err = store.GetApprovalByToken(ctx, "bogus")
			assert.ErrorIs(t, err, interfaces.ErrNotFound)

			got.Status = interfaces.ApprovalApproved
			got.ShardReleased = true
			got.RespondedAt = &now
			require.NoError(t, store.UpdateApproval(ctx, got))

			listed, err := store.ListApprovals(ctx, a.ID)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, interfaces.ApprovalApproved, listed[0].Status)
			assert.True(t, listed[0].ShardReleased)
		})
	}
}

func TestAuditStoreAppendOnly(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			account := interfaces.AccountID("acct-audit")

			_, err := store.LastAudit(ctx, account)
			assert.ErrorIs(t, err, interfaces.ErrNotFound)

			for seq := uint64(0); seq < 3; seq++ {
				entry := &interfaces.AuditEntry{
					Sequence:  seq,
					AccountID: account,
					Event:     interfaces.AuditStateTransition,
					Detail:    "entry",
					Timestamp: time.Now().UTC().Truncate(time.Second),
					Hash:      "h",
				}
				require.NoError(t, store.AppendAudit(ctx, entry))
			}

			last, err := store.LastAudit(ctx, account)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), last.Sequence)

			listed, err := store.ListAudit(ctx, account)
			require.NoError(t, err)
			require.Len(t, listed, 3)
			for i, e := range listed {
				assert.Equal(t, uint64(i), e.Sequence)
			}
		})
	}
}
