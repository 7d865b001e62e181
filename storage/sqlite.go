package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// SQLiteStore implements interfaces.Store on a SQLite database. Entities are
// stored as JSON documents with the columns needed for lookups and sweeps
// extracted alongside. Attempt updates enforce the optimistic version and the
// terminal freeze in the UPDATE predicate itself, so concurrent writers race
// on the database rather than in process memory.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS setups (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL UNIQUE,
	doc        BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS shards (
	setup_id TEXT    NOT NULL,
	idx      INTEGER NOT NULL,
	doc      BLOB    NOT NULL,
	context  BLOB    NOT NULL,
	PRIMARY KEY (setup_id, idx)
);

CREATE TABLE IF NOT EXISTS guardians (
	id           TEXT PRIMARY KEY,
	setup_id     TEXT NOT NULL,
	invite_token TEXT NOT NULL UNIQUE,
	doc          BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS attempts (
	id         TEXT    PRIMARY KEY,
	setup_id   TEXT    NOT NULL,
	status     TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	doc        BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS attempts_setup ON attempts (setup_id, created_at);
CREATE INDEX IF NOT EXISTS attempts_expiry ON attempts (status, expires_at);

CREATE TABLE IF NOT EXISTS challenges (
	id         TEXT    PRIMARY KEY,
	attempt_id TEXT    NOT NULL,
	status     TEXT    NOT NULL,
	send_at    INTEGER NOT NULL,
	doc        BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS challenges_attempt ON challenges (attempt_id, send_at);
CREATE INDEX IF NOT EXISTS challenges_due ON challenges (status, send_at);

CREATE TABLE IF NOT EXISTS approvals (
	id         TEXT PRIMARY KEY,
	attempt_id TEXT NOT NULL,
	token      TEXT NOT NULL UNIQUE,
	doc        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS approvals_attempt ON approvals (attempt_id);

CREATE TABLE IF NOT EXISTS audit_log (
	account_id TEXT    NOT NULL,
	sequence   INTEGER NOT NULL,
	doc        BLOB    NOT NULL,
	PRIMARY KEY (account_id, sequence)
);
`

// NewSQLiteStore opens (or creates) a SQLite database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc's driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// CreateSetup persists a new recovery setup.
func (s *SQLiteStore) CreateSetup(ctx context.Context, setup *interfaces.Setup) error {
	doc, err := json.Marshal(setup)
	if err != nil {
		return fmt.Errorf("failed to encode setup: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO setups (id, account_id, doc) VALUES (?, ?, ?)`,
		setup.ID.String(), string(setup.AccountID), doc)
	if err != nil {
		return fmt.Errorf("failed to insert setup: %w", err)
	}
	return nil
}

// GetSetup retrieves a setup by ID.
func (s *SQLiteStore) GetSetup(ctx context.Context, id interfaces.SetupID) (*interfaces.Setup, error) {
	return s.querySetup(ctx, `SELECT doc FROM setups WHERE id = ?`, id.String())
}

// GetSetupByAccount retrieves a setup by owning account.
func (s *SQLiteStore) GetSetupByAccount(ctx context.Context, account interfaces.AccountID) (*interfaces.Setup, error) {
	return s.querySetup(ctx, `SELECT doc FROM setups WHERE account_id = ?`, string(account))
}

func (s *SQLiteStore) querySetup(ctx context.Context, query string, arg any) (*interfaces.Setup, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query setup: %w", err)
	}

	setup := new(interfaces.Setup)
	if err := json.Unmarshal(doc, setup); err != nil {
		return nil, fmt.Errorf("failed to decode setup: %w", err)
	}
	return setup, nil
}

// UpdateSetup replaces a stored setup.
func (s *SQLiteStore) UpdateSetup(ctx context.Context, setup *interfaces.Setup) error {
	doc, err := json.Marshal(setup)
	if err != nil {
		return fmt.Errorf("failed to encode setup: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE setups SET doc = ? WHERE id = ?`, doc, setup.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update setup: %w", err)
	}
	return requireRow(res)
}

// PutShard persists one shard record. (setup_id, index) is unique.
func (s *SQLiteStore) PutShard(ctx context.Context, rec *interfaces.ShardRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode shard: %w", err)
	}
	ctxDoc, err := EncodeShardContext(rec.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO shards (setup_id, idx, doc, context) VALUES (?, ?, ?, ?)`,
		rec.SetupID.String(), rec.Index, doc, ctxDoc)
	if err != nil {
		if isUniqueViolation(err) {
			return interfaces.ErrShardExists
		}
		return fmt.Errorf("failed to insert shard: %w", err)
	}
	return nil
}

// GetShard retrieves one shard record by setup and index.
func (s *SQLiteStore) GetShard(ctx context.Context, setup interfaces.SetupID, index int) (*interfaces.ShardRecord, error) {
	var doc, ctxDoc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, context FROM shards WHERE setup_id = ? AND idx = ?`,
		setup.String(), index).Scan(&doc, &ctxDoc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query shard: %w", err)
	}
	return decodeShardRow(doc, ctxDoc)
}

// ListShards returns all shard records for a setup, ordered by index.
func (s *SQLiteStore) ListShards(ctx context.Context, setup interfaces.SetupID) ([]*interfaces.ShardRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, context FROM shards WHERE setup_id = ? ORDER BY idx`, setup.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	defer rows.Close()

	var out []*interfaces.ShardRecord
	for rows.Next() {
		var doc, ctxDoc []byte
		if err := rows.Scan(&doc, &ctxDoc); err != nil {
			return nil, fmt.Errorf("failed to scan shard row: %w", err)
		}
		rec, err := decodeShardRow(doc, ctxDoc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateShard persists access bookkeeping changes.
func (s *SQLiteStore) UpdateShard(ctx context.Context, rec *interfaces.ShardRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode shard: %w", err)
	}
	ctxDoc, err := EncodeShardContext(rec.Context)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE shards SET doc = ?, context = ? WHERE setup_id = ? AND idx = ?`,
		doc, ctxDoc, rec.SetupID.String(), rec.Index)
	if err != nil {
		return fmt.Errorf("failed to update shard: %w", err)
	}
	return requireRow(res)
}

// CreateGuardian persists a new guardian enrollment.
func (s *SQLiteStore) CreateGuardian(ctx context.Context, g *interfaces.Guardian) error {
	doc, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode guardian: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO guardians (id, setup_id, invite_token, doc) VALUES (?, ?, ?, ?)`,
		g.ID.String(), g.SetupID.String(), g.InviteToken, doc)
	if err != nil {
		return fmt.Errorf("failed to insert guardian: %w", err)
	}
	return nil
}

// GetGuardian retrieves a guardian by ID.
func (s *SQLiteStore) GetGuardian(ctx context.Context, id interfaces.GuardianID) (*interfaces.Guardian, error) {
	return s.queryGuardian(ctx, `SELECT doc FROM guardians WHERE id = ?`, id.String())
}

// GetGuardianByToken retrieves a guardian by invite token.
func (s *SQLiteStore) GetGuardianByToken(ctx context.Context, token string) (*interfaces.Guardian, error) {
	return s.queryGuardian(ctx, `SELECT doc FROM guardians WHERE invite_token = ?`, token)
}

func (s *SQLiteStore) queryGuardian(ctx context.Context, query string, arg any) (*interfaces.Guardian, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query guardian: %w", err)
	}

	g := new(interfaces.Guardian)
	if err := json.Unmarshal(doc, g); err != nil {
		return nil, fmt.Errorf("failed to decode guardian: %w", err)
	}
	return g, nil
}

// ListGuardians returns all guardians for a setup, ordered by shard index.
func (s *SQLiteStore) ListGuardians(ctx context.Context, setup interfaces.SetupID) ([]*interfaces.Guardian, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM guardians WHERE setup_id = ?`, setup.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list guardians: %w", err)
	}
	defer rows.Close()

	out, err := scanDocs[interfaces.Guardian](rows)
	if err != nil {
		return nil, err
	}
	sortByShardIndex(out)
	return out, nil
}

// UpdateGuardian replaces a stored guardian.
func (s *SQLiteStore) UpdateGuardian(ctx context.Context, g *interfaces.Guardian) error {
	doc, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode guardian: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE guardians SET doc = ?, invite_token = ? WHERE id = ?`,
		doc, g.InviteToken, g.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update guardian: %w", err)
	}
	return requireRow(res)
}

// CreateAttempt persists a new recovery attempt at version 1.
func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *interfaces.Attempt) error {
	a.Version = 1
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode attempt: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, setup_id, status, version, expires_at, created_at, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.SetupID.String(), string(a.Status), a.Version,
		a.ExpiresAt.UnixNano(), a.CreatedAt.UnixNano(), doc)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

// GetAttempt retrieves an attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id interfaces.AttemptID) (*interfaces.Attempt, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM attempts WHERE id = ?`, id.String()).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt: %w", err)
	}

	a := new(interfaces.Attempt)
	if err := json.Unmarshal(doc, a); err != nil {
		return nil, fmt.Errorf("failed to decode attempt: %w", err)
	}
	return a, nil
}

// UpdateAttempt writes an attempt back. The UPDATE predicate enforces both
// the optimistic version and the terminal freeze; a zero-row update is then
// diagnosed by re-reading the current row.
func (s *SQLiteStore) UpdateAttempt(ctx context.Context, a *interfaces.Attempt) error {
	next := *a
	next.Version = a.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode attempt: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, version = ?, expires_at = ?, doc = ?
		 WHERE id = ? AND version = ?
		   AND status NOT IN ('completed', 'failed', 'cancelled', 'expired')`,
		string(next.Status), next.Version, next.ExpiresAt.UnixNano(), doc,
		a.ID.String(), a.Version)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		cur, err := s.GetAttempt(ctx, a.ID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return interfaces.ErrAttemptTerminal
		}
		return interfaces.ErrVersionConflict
	}

	a.Version = next.Version
	return nil
}

// ListAttempts returns all attempts for a setup, newest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, setup interfaces.SetupID) ([]*interfaces.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM attempts WHERE setup_id = ? ORDER BY created_at DESC`, setup.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()
	return scanDocs[interfaces.Attempt](rows)
}

// ListStaleAttempts returns non-terminal attempts past their expiry.
func (s *SQLiteStore) ListStaleAttempts(ctx context.Context, now time.Time) ([]*interfaces.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM attempts
		 WHERE expires_at < ?
		   AND status NOT IN ('completed', 'failed', 'cancelled', 'expired')
		 ORDER BY expires_at`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale attempts: %w", err)
	}
	defer rows.Close()
	return scanDocs[interfaces.Attempt](rows)
}

// CreateChallenges persists a batch of challenges in one transaction.
func (s *SQLiteStore) CreateChallenges(ctx context.Context, batch []*interfaces.Challenge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range batch {
		doc, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode challenge: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO challenges (id, attempt_id, status, send_at, doc) VALUES (?, ?, ?, ?, ?)`,
			c.ID.String(), c.AttemptID.String(), string(c.Status),
			c.ScheduledSendAt.UnixNano(), doc)
		if err != nil {
			return fmt.Errorf("failed to insert challenge: %w", err)
		}
	}
	return tx.Commit()
}

// GetChallenge retrieves a challenge by ID.
func (s *SQLiteStore) GetChallenge(ctx context.Context, id interfaces.ChallengeID) (*interfaces.Challenge, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM challenges WHERE id = ?`, id.String()).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query challenge: %w", err)
	}

	c := new(interfaces.Challenge)
	if err := json.Unmarshal(doc, c); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return c, nil
}

// ListChallenges returns all challenges for an attempt in send order.
func (s *SQLiteStore) ListChallenges(ctx context.Context, attempt interfaces.AttemptID) ([]*interfaces.Challenge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM challenges WHERE attempt_id = ? ORDER BY send_at`, attempt.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()
	return scanDocs[interfaces.Challenge](rows)
}

// UpdateChallenge replaces a stored challenge.
func (s *SQLiteStore) UpdateChallenge(ctx context.Context, c *interfaces.Challenge) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE challenges SET status = ?, doc = ? WHERE id = ?`,
		string(c.Status), doc, c.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	return requireRow(res)
}

// ListDueChallenges returns scheduled challenges whose send time has passed.
func (s *SQLiteStore) ListDueChallenges(ctx context.Context, now time.Time) ([]*interfaces.Challenge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM challenges WHERE status = ? AND send_at <= ? ORDER BY send_at`,
		string(interfaces.ChallengeScheduled), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list due challenges: %w", err)
	}
	defer rows.Close()
	return scanDocs[interfaces.Challenge](rows)
}

// CreateApprovals persists a batch of approvals in one transaction.
func (s *SQLiteStore) CreateApprovals(ctx context.Context, batch []*interfaces.Approval) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range batch {
		doc, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode approval: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO approvals (id, attempt_id, token, doc) VALUES (?, ?, ?, ?)`,
			a.ID.String(), a.AttemptID.String(), a.Token, doc)
		if err != nil {
			return fmt.Errorf("failed to insert approval: %w", err)
		}
	}
	return tx.Commit()
}

// GetApprovalByToken retrieves an approval by its capability token.
func (s *SQLiteStore) GetApprovalByToken(ctx context.Context, token string) (*interfaces.Approval, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM approvals WHERE token = ?`, token).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query approval: %w", err)
	}

	a := new(interfaces.Approval)
	if err := json.Unmarshal(doc, a); err != nil {
		return nil, fmt.Errorf("failed to decode approval: %w", err)
	}
	return a, nil
}

// ListApprovals returns all approvals for an attempt.
func (s *SQLiteStore) ListApprovals(ctx context.Context, attempt interfaces.AttemptID) ([]*interfaces.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM approvals WHERE attempt_id = ?`, attempt.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()
	return scanDocs[interfaces.Approval](rows)
}

// UpdateApproval replaces a stored approval. Status and shard_released travel
// inside the same document, so the write is atomic by construction.
func (s *SQLiteStore) UpdateApproval(ctx context.Context, a *interfaces.Approval) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode approval: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET doc = ? WHERE id = ?`, doc, a.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}
	return requireRow(res)
}

// AppendAudit appends one entry to an account's audit chain. The primary key
// on (account_id, sequence) rejects duplicate sequence numbers, which keeps
// concurrent appenders from silently forking the chain.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *interfaces.AuditEntry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (account_id, sequence, doc) VALUES (?, ?, ?)`,
		string(e.AccountID), e.Sequence, doc)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// LastAudit returns the newest audit entry for an account.
func (s *SQLiteStore) LastAudit(ctx context.Context, account interfaces.AccountID) (*interfaces.AuditEntry, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM audit_log WHERE account_id = ? ORDER BY sequence DESC LIMIT 1`,
		string(account)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entry: %w", err)
	}

	e := new(interfaces.AuditEntry)
	if err := json.Unmarshal(doc, e); err != nil {
		return nil, fmt.Errorf("failed to decode audit entry: %w", err)
	}
	return e, nil
}

// ListAudit returns the full audit chain for an account in sequence order.
func (s *SQLiteStore) ListAudit(ctx context.Context, account interfaces.AccountID) ([]*interfaces.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM audit_log WHERE account_id = ? ORDER BY sequence`, string(account))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()
	return scanDocs[interfaces.AuditEntry](rows)
}

// scanDocs decodes a single-column result set of JSON documents.
func scanDocs[T any](rows *sql.Rows) ([]*T, error) {
	var out []*T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		v := new(T)
		if err := json.Unmarshal(doc, v); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc/sqlite wraps SQLITE_CONSTRAINT errors with their message text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

func decodeShardRow(doc, ctxDoc []byte) (*interfaces.ShardRecord, error) {
	rec := new(interfaces.ShardRecord)
	if err := json.Unmarshal(doc, rec); err != nil {
		return nil, fmt.Errorf("failed to decode shard: %w", err)
	}
	sctx, err := DecodeShardContext(rec.Type, ctxDoc)
	if err != nil {
		return nil, err
	}
	rec.Context = sctx
	return rec, nil
}

func sortByShardIndex(gs []*interfaces.Guardian) {
	sort.Slice(gs, func(i, j int) bool { return gs[i].ShardIndex < gs[j].ShardIndex })
}

var _ interfaces.Store = (*SQLiteStore)(nil)
