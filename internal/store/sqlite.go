package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// sqliteTime is a fixed-width UTC layout so TEXT columns sort chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite. All access goes
// through a single connection; read-modify-write steps additionally run
// inside BEGIN IMMEDIATE so concurrent processes sharing the file serialize.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS contacts (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	name           TEXT NOT NULL,
	first_name     TEXT NOT NULL DEFAULT '',
	last_name      TEXT NOT NULL DEFAULT '',
	company        TEXT NOT NULL DEFAULT '',
	street         TEXT NOT NULL DEFAULT '',
	city           TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL DEFAULT '',
	zip            TEXT NOT NULL DEFAULT '',
	sector         TEXT NOT NULL DEFAULT '',
	dedup_key      TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'raw',
	block_id       TEXT NOT NULL DEFAULT '',
	phones         TEXT NOT NULL DEFAULT '[]',
	emails         TEXT NOT NULL DEFAULT '[]',
	score          TEXT,
	qualification  TEXT,
	tier           INTEGER NOT NULL DEFAULT 0,
	priority_score INTEGER NOT NULL DEFAULT 0,
	raw            TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	UNIQUE (tenant_id, dedup_key)
);

CREATE TABLE IF NOT EXISTS blocks (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	sequence     INTEGER NOT NULL,
	capacity     INTEGER NOT NULL CHECK (capacity > 0),
	raw_count    INTEGER NOT NULL DEFAULT 0 CHECK (raw_count >= 0),
	traced_count INTEGER NOT NULL DEFAULT 0 CHECK (traced_count >= 0),
	scored_count INTEGER NOT NULL DEFAULT 0 CHECK (scored_count >= 0),
	ready_count  INTEGER NOT NULL DEFAULT 0 CHECK (ready_count >= 0),
	status       TEXT NOT NULL DEFAULT 'active',
	created_at   TEXT NOT NULL,
	completed_at TEXT,
	UNIQUE (tenant_id, sequence),
	CHECK (raw_count + traced_count + scored_count + ready_count <= capacity)
);

CREATE TABLE IF NOT EXISTS identities (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	number               TEXT NOT NULL,
	campaign             TEXT NOT NULL DEFAULT '',
	send_count           INTEGER NOT NULL DEFAULT 0,
	daily_count          INTEGER NOT NULL DEFAULT 0,
	daily_reset_on       TEXT NOT NULL DEFAULT '',
	success_count        INTEGER NOT NULL DEFAULT 0,
	failure_count        INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	healthy              INTEGER NOT NULL DEFAULT 1,
	active               INTEGER NOT NULL DEFAULT 1,
	last_used_at         TEXT,
	created_at           TEXT NOT NULL,
	UNIQUE (tenant_id, number)
);

CREATE TABLE IF NOT EXISTS dispatch_records (
	tenant_id   TEXT NOT NULL,
	campaign    TEXT NOT NULL,
	contact_id  TEXT NOT NULL,
	identity_id TEXT NOT NULL DEFAULT '',
	to_number   TEXT NOT NULL,
	body        TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	day         TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (tenant_id, campaign, contact_id)
);

CREATE TABLE IF NOT EXISTS dispatch_budget (
	tenant_id TEXT NOT NULL,
	day       TEXT NOT NULL,
	used      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, day)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	stage          TEXT NOT NULL,
	payload        TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 0,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contacts_tenant_status ON contacts(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_contacts_block ON contacts(block_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_one_active ON blocks(tenant_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_identities_rotation ON identities(tenant_id, active, healthy, last_used_at);
CREATE INDEX IF NOT EXISTS idx_dispatch_day ON dispatch_records(tenant_id, day, status);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// immediate runs fn inside a BEGIN IMMEDIATE transaction on a dedicated connection.
func (s *SQLiteStore) immediate(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return eris.Wrap(err, "sqlite: acquire conn")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return eris.Wrap(err, "sqlite: begin immediate")
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}
	_, err = conn.ExecContext(ctx, "COMMIT")
	return eris.Wrap(err, "sqlite: commit")
}

// Contacts

func (s *SQLiteStore) InsertContacts(ctx context.Context, contacts []model.Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(contactColumns)), ", ")
	query := `INSERT OR IGNORE INTO contacts (` + strings.Join(contactColumns, ", ") + `) VALUES (` + placeholders + `)`

	inserted := 0
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		stmt, err := conn.PrepareContext(ctx, query)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare insert contact")
		}
		defer stmt.Close()

		for i := range contacts {
			args, err := sqliteContactArgs(&contacts[i])
			if err != nil {
				return err
			}
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert contact %s", contacts[i].ID)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func sqliteContactArgs(c *model.Contact) ([]any, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = model.StatusRaw
	}
	b, err := encodeContact(c)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID, c.TenantID, c.Name, c.FirstName, c.LastName, c.Company,
		c.Street, c.City, c.State, c.Zip, c.Sector, c.DedupKey, string(c.Status), c.BlockID,
		string(b.Phones), string(b.Emails), nullText(b.Score), nullText(b.Qualification),
		c.Tier, c.PriorityScore, nullText(b.Raw),
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	}, nil
}

func (s *SQLiteStore) ExistingDedupKeys(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT dedup_key FROM contacts WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing dedup keys")
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dedup key")
		}
		keys[k] = struct{}{}
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: existing dedup keys iterate")
}

func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(contactColumns, ", ")+` FROM contacts WHERE id = ?`, id)
	c, err := scanSQLiteContact(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get contact %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) ListContacts(ctx context.Context, tenantID string, filter ContactFilter) ([]model.Contact, error) {
	query := `SELECT ` + strings.Join(contactColumns, ", ") + ` FROM contacts WHERE tenant_id = ?`
	args := []any{tenantID}

	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(filter.Statuses)), ", ") + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.BlockID != "" {
		query += ` AND block_id = ?`
		args = append(args, filter.BlockID)
	}
	if filter.Sector != "" {
		query += ` AND sector = ?`
		args = append(args, filter.Sector)
	}
	query += ` ORDER BY rowid`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list contacts")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanSQLiteContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list contacts")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list contacts iterate")
}

func (s *SQLiteStore) UpdateContact(ctx context.Context, c *model.Contact) error {
	b, err := encodeContact(c)
	if err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET first_name = ?, last_name = ?, company = ?, status = ?, block_id = ?,
		 phones = ?, emails = ?, score = ?, qualification = ?, tier = ?, priority_score = ?, updated_at = ?
		 WHERE id = ?`,
		c.FirstName, c.LastName, c.Company, string(c.Status), c.BlockID,
		string(b.Phones), string(b.Emails), nullText(b.Score), nullText(b.Qualification),
		c.Tier, c.PriorityScore, fmtTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update contact %s", c.ID)
	}
	return checkRowsAffected(res, "contact", c.ID)
}

func (s *SQLiteStore) SetStatus(ctx context.Context, status model.ContactStatus, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(status), fmtTime(time.Now().UTC())}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET status = ?, updated_at = ? WHERE id IN (`+
			strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")+`)`, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: set status")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, tenantID string) (map[model.ContactStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM contacts WHERE tenant_id = ? GROUP BY status`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	counts := make(map[model.ContactStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.ContactStatus(st)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

// Blocks

const blockColumns = `id, tenant_id, sequence, capacity, raw_count, traced_count, scored_count, ready_count, status, created_at, completed_at`

func (s *SQLiteStore) ActiveBlock(ctx context.Context, tenantID string) (*model.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE tenant_id = ? AND status = 'active'`, tenantID)
	b, err := scanSQLiteBlock(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: active block for %s", tenantID)
	}
	return b, nil
}

func (s *SQLiteStore) CreateBlock(ctx context.Context, tenantID string, capacity int) (*model.Block, error) {
	b := &model.Block{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Capacity:  capacity,
		Status:    model.BlockActive,
		CreatedAt: time.Now().UTC(),
	}
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		if err := conn.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM blocks WHERE tenant_id = ?`, tenantID,
		).Scan(&b.Sequence); err != nil {
			return eris.Wrap(err, "sqlite: next block sequence")
		}
		_, err := conn.ExecContext(ctx,
			`INSERT INTO blocks (id, tenant_id, sequence, capacity, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, b.TenantID, b.Sequence, b.Capacity, string(b.Status), fmtTime(b.CreatedAt),
		)
		return eris.Wrapf(err, "sqlite: insert block for %s", tenantID)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *SQLiteStore) CompleteBlock(ctx context.Context, blockID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET status = 'complete', completed_at = ? WHERE id = ? AND status = 'active'`,
		fmtTime(time.Now().UTC()), blockID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete block %s", blockID)
	}
	return checkRowsAffected(res, "active block", blockID)
}

func (s *SQLiteStore) PullIntoBlock(ctx context.Context, blockID string, n int, sector string) (int, *model.Block, error) {
	var pulled int
	var block *model.Block
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		b, err := scanSQLiteBlock(conn.QueryRowContext(ctx,
			`SELECT `+blockColumns+` FROM blocks WHERE id = ?`, blockID))
		if err != nil {
			return eris.Wrapf(err, "sqlite: pull block %s", blockID)
		}
		block = b
		if b.Status != model.BlockActive {
			return eris.Errorf("sqlite: block %s is %s", blockID, b.Status)
		}
		take := min(n, b.Remaining())
		if take <= 0 {
			return nil
		}

		res, err := conn.ExecContext(ctx,
			`UPDATE contacts SET status = ?, block_id = ?, updated_at = ?
			 WHERE id IN (
				SELECT id FROM contacts
				WHERE tenant_id = ? AND status = 'raw' AND block_id = '' AND (? = '' OR sector = ?)
				ORDER BY rowid LIMIT ?
			 )`,
			string(model.StatusTracedPending), blockID, fmtTime(time.Now().UTC()),
			b.TenantID, sector, sector, take,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: pull contacts")
		}
		affected, _ := res.RowsAffected()
		pulled = int(affected)
		if pulled == 0 {
			return nil
		}

		if _, err := conn.ExecContext(ctx,
			`UPDATE blocks SET raw_count = raw_count + ? WHERE id = ?`, pulled, blockID); err != nil {
			return eris.Wrap(err, "sqlite: bump raw count")
		}
		b.RawCount += pulled
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return pulled, block, nil
}

func (s *SQLiteStore) AdvanceBlock(ctx context.Context, blockID string, from, to model.BlockBucket, n int) error {
	if n <= 0 || from == to {
		return nil
	}
	fromCol, err := bucketColumn(from)
	if err != nil {
		return err
	}
	toCol, err := bucketColumn(to)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE blocks SET %[1]s = %[1]s - ?, %[2]s = %[2]s + ? WHERE id = ? AND %[1]s >= ?`, fromCol, toCol),
		n, n, blockID, n)
	if err != nil {
		return eris.Wrapf(err, "sqlite: advance block %s", blockID)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return eris.Errorf("sqlite: advance block %s: fewer than %d in %s", blockID, n, from)
	}
	return nil
}

// Sending identities

const identityColumns = `id, tenant_id, number, campaign, send_count, daily_count, daily_reset_on,
	success_count, failure_count, consecutive_failures, healthy, active, last_used_at, created_at`

func (s *SQLiteStore) UpsertIdentity(ctx context.Context, identity *model.SendingIdentity) error {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO identities (id, tenant_id, number, campaign, healthy, active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (tenant_id, number) DO UPDATE SET campaign = excluded.campaign, active = excluded.active
		 RETURNING id`,
		identity.ID, identity.TenantID, identity.Number, identity.Campaign, identity.Active, fmtTime(identity.CreatedAt),
	).Scan(&identity.ID)
	return eris.Wrapf(err, "sqlite: upsert identity %s", identity.Number)
}

func (s *SQLiteStore) ListIdentities(ctx context.Context, tenantID string) ([]model.SendingIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE tenant_id = ? ORDER BY number`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list identities")
	}
	defer rows.Close()

	var out []model.SendingIdentity
	for rows.Next() {
		id, err := scanSQLiteIdentity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list identities")
		}
		out = append(out, *id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list identities iterate")
}

func (s *SQLiteStore) SelectNextIdentity(ctx context.Context, filter IdentityFilter, now time.Time) (*model.SendingIdentity, error) {
	var picked *model.SendingIdentity
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		id, err := scanSQLiteIdentity(conn.QueryRowContext(ctx,
			`SELECT `+identityColumns+` FROM identities
			 WHERE tenant_id = ? AND active = 1 AND healthy = 1 AND (? = '' OR campaign = '' OR campaign = ?)
			 ORDER BY last_used_at ASC NULLS FIRST, id
			 LIMIT 1`,
			filter.TenantID, filter.Campaign, filter.Campaign))
		if err != nil {
			return err
		}

		day := model.DayKey(now)
		id.DailyCount = nextDaily(id, day)
		id.DailyResetOn = day
		id.SendCount++
		used := now.UTC()
		id.LastUsedAt = &used

		_, err = conn.ExecContext(ctx,
			`UPDATE identities SET send_count = send_count + 1, daily_count = ?, daily_reset_on = ?, last_used_at = ?
			 WHERE id = ?`,
			id.DailyCount, day, fmtTime(used), id.ID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark identity %s used", id.ID)
		}
		picked = id
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: select identity for %s", filter.TenantID)
	}
	return picked, nil
}

func (s *SQLiteStore) RecordIdentityResult(ctx context.Context, identityID string, success bool, threshold int) (*model.SendingIdentity, error) {
	var query string
	var args []any
	if success {
		query = `UPDATE identities SET success_count = success_count + 1, consecutive_failures = 0
		         WHERE id = ? RETURNING ` + identityColumns
		args = []any{identityID}
	} else {
		query = `UPDATE identities SET failure_count = failure_count + 1,
		           consecutive_failures = consecutive_failures + 1,
		           healthy = CASE WHEN consecutive_failures + 1 >= ? THEN 0 ELSE healthy END
		         WHERE id = ? RETURNING ` + identityColumns
		args = []any{threshold, identityID}
	}
	id, err := scanSQLiteIdentity(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: record result for identity %s", identityID)
	}
	return id, nil
}

func (s *SQLiteStore) ResetIdentity(ctx context.Context, identityID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET consecutive_failures = 0, healthy = 1 WHERE id = ?`, identityID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset identity %s", identityID)
	}
	return checkRowsAffected(res, "identity", identityID)
}

func (s *SQLiteStore) SetIdentityActive(ctx context.Context, identityID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET active = ? WHERE id = ?`, active, identityID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set identity %s active", identityID)
	}
	return checkRowsAffected(res, "identity", identityID)
}

// Dispatch records

func (s *SQLiteStore) GetDispatch(ctx context.Context, tenantID, campaign, contactID string) (*model.DispatchRecord, error) {
	var r model.DispatchRecord
	var status, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, campaign, contact_id, identity_id, to_number, body, status, error, attempts, created_at
		 FROM dispatch_records WHERE tenant_id = ? AND campaign = ? AND contact_id = ?`,
		tenantID, campaign, contactID,
	).Scan(&r.TenantID, &r.Campaign, &r.ContactID, &r.IdentityID, &r.To, &r.Body, &status, &r.Error, &r.Attempts, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get dispatch")
	}
	r.Status = model.DispatchStatus(status)
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) SaveDispatch(ctx context.Context, rec *model.DispatchRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_records
		 (tenant_id, campaign, contact_id, identity_id, to_number, body, status, error, attempts, day, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, campaign, contact_id) DO UPDATE SET
		   identity_id = excluded.identity_id, to_number = excluded.to_number, body = excluded.body,
		   status = excluded.status, error = excluded.error, attempts = excluded.attempts, day = excluded.day
		 WHERE excluded.status <> 'would_send' OR dispatch_records.status NOT IN ('sent', 'sending')`,
		rec.TenantID, rec.Campaign, rec.ContactID, rec.IdentityID, rec.To, rec.Body,
		string(rec.Status), rec.Error, rec.Attempts, model.DayKey(rec.CreatedAt), fmtTime(rec.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: save dispatch %s", rec.ContactID)
}

// ClaimDispatch runs under BEGIN IMMEDIATE, so the record check, the budget
// check and both writes see no concurrent writer.
func (s *SQLiteStore) ClaimDispatch(ctx context.Context, claim DispatchClaim) error {
	rec := claim.Record
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	day := model.DayKey(rec.CreatedAt)

	return s.immediate(ctx, func(conn *sql.Conn) error {
		var status, created string
		err := conn.QueryRowContext(ctx,
			`SELECT status, created_at FROM dispatch_records WHERE tenant_id = ? AND campaign = ? AND contact_id = ?`,
			rec.TenantID, rec.Campaign, rec.ContactID,
		).Scan(&status, &created)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return eris.Wrapf(err, "sqlite: read dispatch %s", rec.ContactID)
		default:
			createdAt, err := parseTime(created)
			if err != nil {
				return err
			}
			if !reclaimable(model.DispatchStatus(status), createdAt, claim.StaleBefore) {
				return ErrAlreadyClaimed
			}
		}

		var used int
		err = conn.QueryRowContext(ctx,
			`SELECT used FROM dispatch_budget WHERE tenant_id = ? AND day = ?`, rec.TenantID, day,
		).Scan(&used)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(err, "sqlite: read budget for %s", rec.TenantID)
		}
		if claim.DailyCap > 0 && used >= claim.DailyCap {
			return ErrDailyCapReached
		}

		if _, err := conn.ExecContext(ctx,
			`INSERT INTO dispatch_budget (tenant_id, day, used) VALUES (?, ?, 1)
			 ON CONFLICT (tenant_id, day) DO UPDATE SET used = used + 1`,
			rec.TenantID, day); err != nil {
			return eris.Wrapf(err, "sqlite: charge budget for %s", rec.TenantID)
		}

		rec.Status = model.DispatchSending
		rec.Error = ""
		rec.Attempts = 0
		_, err = conn.ExecContext(ctx,
			`INSERT INTO dispatch_records
			 (tenant_id, campaign, contact_id, identity_id, to_number, body, status, error, attempts, day, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?)
			 ON CONFLICT (tenant_id, campaign, contact_id) DO UPDATE SET
			   identity_id = excluded.identity_id, to_number = excluded.to_number, body = excluded.body,
			   status = excluded.status, error = '', attempts = 0, day = excluded.day, created_at = excluded.created_at`,
			rec.TenantID, rec.Campaign, rec.ContactID, rec.IdentityID, rec.To, rec.Body,
			string(rec.Status), day, fmtTime(rec.CreatedAt))
		return eris.Wrapf(err, "sqlite: claim dispatch %s", rec.ContactID)
	})
}

func (s *SQLiteStore) ReleaseDispatch(ctx context.Context, rec *model.DispatchRecord) error {
	return s.immediate(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`DELETE FROM dispatch_records
			 WHERE tenant_id = ? AND campaign = ? AND contact_id = ? AND status = 'sending'`,
			rec.TenantID, rec.Campaign, rec.ContactID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: release dispatch %s", rec.ContactID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = conn.ExecContext(ctx,
			`UPDATE dispatch_budget SET used = used - 1 WHERE tenant_id = ? AND day = ? AND used > 0`,
			rec.TenantID, model.DayKey(rec.CreatedAt))
		return eris.Wrapf(err, "sqlite: refund budget for %s", rec.TenantID)
	})
}

func (s *SQLiteStore) SentToday(ctx context.Context, tenantID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT used FROM dispatch_budget WHERE tenant_id = ? AND day = ?), 0)`,
		tenantID, model.DayKey(now),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: sent today")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, tenant_id, stage, payload, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		e.ID, e.TenantID, e.Stage, string(e.Payload), e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		fmtTime(e.NextRetryAt), fmtTime(e.CreatedAt), fmtTime(e.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter, now time.Time) ([]resilience.DLQEntry, error) {
	query := `SELECT id, tenant_id, stage, payload, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{fmtTime(now)}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, filter.Stage)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var payload, next, created, last string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Stage, &payload, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &next, &created, &last); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Payload = []byte(payload)
		if e.NextRetryAt, err = parseTime(next); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if e.LastFailedAt, err = parseTime(last); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		fmtTime(nextRetryAt), lastErr, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE ? = '' OR tenant_id = ?`, tenantID, tenantID).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteContact(row scannable) (*model.Contact, error) {
	var c model.Contact
	var status, created, updated, phones, emails string
	var score, qual, raw sql.NullString

	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.FirstName, &c.LastName, &c.Company,
		&c.Street, &c.City, &c.State, &c.Zip, &c.Sector, &c.DedupKey, &status, &c.BlockID,
		&phones, &emails, &score, &qual, &c.Tier, &c.PriorityScore, &raw, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan contact")
	}
	c.Status = model.ContactStatus(status)
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	blobs := contactBlobs{Phones: []byte(phones), Emails: []byte(emails)}
	if score.Valid {
		blobs.Score = []byte(score.String)
	}
	if qual.Valid {
		blobs.Qualification = []byte(qual.String)
	}
	if raw.Valid {
		blobs.Raw = []byte(raw.String)
	}
	if err := decodeContact(&c, blobs); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanSQLiteBlock(row scannable) (*model.Block, error) {
	var b model.Block
	var status, created string
	var completed sql.NullString
	err := row.Scan(&b.ID, &b.TenantID, &b.Sequence, &b.Capacity,
		&b.RawCount, &b.TracedCount, &b.ScoredCount, &b.ReadyCount, &status, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan block")
	}
	b.Status = model.BlockStatus(status)
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		b.CompletedAt = &t
	}
	return &b, nil
}

func scanSQLiteIdentity(row scannable) (*model.SendingIdentity, error) {
	var id model.SendingIdentity
	var created string
	var lastUsed sql.NullString
	err := row.Scan(&id.ID, &id.TenantID, &id.Number, &id.Campaign, &id.SendCount, &id.DailyCount, &id.DailyResetOn,
		&id.SuccessCount, &id.FailureCount, &id.ConsecutiveFailures, &id.Healthy, &id.Active, &lastUsed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan identity")
	}
	if id.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t, err := parseTime(lastUsed.String)
		if err != nil {
			return nil, err
		}
		id.LastUsedAt = &t
	}
	return &id, nil
}
