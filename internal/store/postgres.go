package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/db"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	var maxConns, minConns int32
	if poolCfg != nil {
		maxConns, minConns = poolCfg.MaxConns, poolCfg.MinConns
	}
	pool, err := db.Connect(ctx, connString, maxConns, minConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS contacts (
	seq            BIGSERIAL,
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
	phones         JSONB NOT NULL DEFAULT '[]',
	emails         JSONB NOT NULL DEFAULT '[]',
	score          JSONB,
	qualification  JSONB,
	tier           INTEGER NOT NULL DEFAULT 0,
	priority_score INTEGER NOT NULL DEFAULT 0,
	raw            JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, dedup_key)
);

CREATE TABLE IF NOT EXISTS blocks (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id    TEXT NOT NULL,
	sequence     INTEGER NOT NULL,
	capacity     INTEGER NOT NULL CHECK (capacity > 0),
	raw_count    INTEGER NOT NULL DEFAULT 0 CHECK (raw_count >= 0),
	traced_count INTEGER NOT NULL DEFAULT 0 CHECK (traced_count >= 0),
	scored_count INTEGER NOT NULL DEFAULT 0 CHECK (scored_count >= 0),
	ready_count  INTEGER NOT NULL DEFAULT 0 CHECK (ready_count >= 0),
	status       TEXT NOT NULL DEFAULT 'active',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	UNIQUE (tenant_id, sequence),
	CHECK (raw_count + traced_count + scored_count + ready_count <= capacity)
);

CREATE TABLE IF NOT EXISTS identities (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id            TEXT NOT NULL,
	number               TEXT NOT NULL,
	campaign             TEXT NOT NULL DEFAULT '',
	send_count           INTEGER NOT NULL DEFAULT 0,
	daily_count          INTEGER NOT NULL DEFAULT 0,
	daily_reset_on       TEXT NOT NULL DEFAULT '',
	success_count        INTEGER NOT NULL DEFAULT 0,
	failure_count        INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	healthy              BOOLEAN NOT NULL DEFAULT true,
	active               BOOLEAN NOT NULL DEFAULT true,
	last_used_at         TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, campaign, contact_id)
);

CREATE TABLE IF NOT EXISTS dispatch_budget (
	tenant_id TEXT NOT NULL,
	day       TEXT NOT NULL,
	used      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, day)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id      TEXT NOT NULL,
	stage          TEXT NOT NULL,
	payload        JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 0,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_contacts_tenant_status ON contacts(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_contacts_block ON contacts(block_id);
CREATE INDEX IF NOT EXISTS idx_contacts_backlog ON contacts(tenant_id, seq) WHERE status = 'raw' AND block_id = '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_one_active ON blocks(tenant_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_identities_rotation ON identities(tenant_id, last_used_at NULLS FIRST, id) WHERE active AND healthy;
CREATE INDEX IF NOT EXISTS idx_dispatch_day ON dispatch_records(tenant_id, day, status);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Contacts

func (s *PostgresStore) InsertContacts(ctx context.Context, contacts []model.Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(contacts))
	now := time.Now().UTC()
	for i := range contacts {
		c := &contacts[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
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
			return 0, err
		}
		rows = append(rows, []any{
			c.ID, c.TenantID, c.Name, c.FirstName, c.LastName, c.Company,
			c.Street, c.City, c.State, c.Zip, c.Sector, c.DedupKey, string(c.Status), c.BlockID,
			b.Phones, b.Emails, b.Score, b.Qualification, c.Tier, c.PriorityScore, b.Raw,
			c.CreatedAt, c.UpdatedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "contacts",
		Columns:      contactColumns,
		ConflictKeys: []string{"tenant_id", "dedup_key"},
		UpdateCols:   []string{},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert contacts")
	}
	return int(n), nil
}

func (s *PostgresStore) ExistingDedupKeys(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT dedup_key FROM contacts WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing dedup keys")
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dedup key")
		}
		keys[k] = struct{}{}
	}
	return keys, eris.Wrap(rows.Err(), "postgres: existing dedup keys iterate")
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strings.Join(contactColumns, ", ")+` FROM contacts WHERE id = $1`, id)
	c, err := scanPgContact(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get contact %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListContacts(ctx context.Context, tenantID string, filter ContactFilter) ([]model.Contact, error) {
	query := `SELECT ` + strings.Join(contactColumns, ", ") + ` FROM contacts WHERE tenant_id = $1`
	args := []any{tenantID}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if filter.BlockID != "" {
		args = append(args, filter.BlockID)
		query += fmt.Sprintf(` AND block_id = $%d`, len(args))
	}
	if filter.Sector != "" {
		args = append(args, filter.Sector)
		query += fmt.Sprintf(` AND sector = $%d`, len(args))
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list contacts")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanPgContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list contacts")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list contacts iterate")
}

func (s *PostgresStore) UpdateContact(ctx context.Context, c *model.Contact) error {
	b, err := encodeContact(c)
	if err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET first_name = $1, last_name = $2, company = $3, status = $4, block_id = $5,
		 phones = $6, emails = $7, score = $8, qualification = $9, tier = $10, priority_score = $11, updated_at = $12
		 WHERE id = $13`,
		c.FirstName, c.LastName, c.Company, string(c.Status), c.BlockID,
		b.Phones, b.Emails, b.Score, b.Qualification, c.Tier, c.PriorityScore, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update contact %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "contact %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, status model.ContactStatus, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET status = $1, updated_at = now() WHERE id = ANY($2)`, string(status), ids)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: set status")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, tenantID string) (map[model.ContactStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM contacts WHERE tenant_id = $1 GROUP BY status`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.ContactStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.ContactStatus(st)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

// Blocks

func (s *PostgresStore) ActiveBlock(ctx context.Context, tenantID string) (*model.Block, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE tenant_id = $1 AND status = 'active'`, tenantID)
	b, err := scanPgBlock(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: active block for %s", tenantID)
	}
	return b, nil
}

func (s *PostgresStore) CreateBlock(ctx context.Context, tenantID string, capacity int) (*model.Block, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO blocks (id, tenant_id, sequence, capacity, status, created_at)
		 SELECT $1, $2, COALESCE(MAX(sequence), 0) + 1, $3, 'active', now() FROM blocks WHERE tenant_id = $2
		 RETURNING `+blockColumns,
		uuid.NewString(), tenantID, capacity)
	b, err := scanPgBlock(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create block for %s", tenantID)
	}
	return b, nil
}

func (s *PostgresStore) CompleteBlock(ctx context.Context, blockID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE blocks SET status = 'complete', completed_at = now() WHERE id = $1 AND status = 'active'`, blockID)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete block %s", blockID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "active block %s", blockID)
	}
	return nil
}

func (s *PostgresStore) PullIntoBlock(ctx context.Context, blockID string, n int, sector string) (int, *model.Block, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, nil, eris.Wrap(err, "postgres: pull: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	b, err := scanPgBlock(tx.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE id = $1 FOR UPDATE`, blockID))
	if err != nil {
		return 0, nil, eris.Wrapf(err, "postgres: pull block %s", blockID)
	}
	if b.Status != model.BlockActive {
		return 0, nil, eris.Errorf("postgres: block %s is %s", blockID, b.Status)
	}
	take := min(n, b.Remaining())
	if take <= 0 {
		return 0, b, nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE contacts SET status = $1, block_id = $2, updated_at = now()
		 WHERE id IN (
			SELECT id FROM contacts
			WHERE tenant_id = $3 AND status = 'raw' AND block_id = '' AND ($4 = '' OR sector = $4)
			ORDER BY seq LIMIT $5
			FOR UPDATE SKIP LOCKED
		 )`,
		string(model.StatusTracedPending), blockID, b.TenantID, sector, take)
	if err != nil {
		return 0, nil, eris.Wrap(err, "postgres: pull contacts")
	}
	pulled := int(tag.RowsAffected())
	if pulled > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE blocks SET raw_count = raw_count + $1 WHERE id = $2`, pulled, blockID); err != nil {
			return 0, nil, eris.Wrap(err, "postgres: bump raw count")
		}
		b.RawCount += pulled
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, eris.Wrap(err, "postgres: pull: commit tx")
	}
	return pulled, b, nil
}

func (s *PostgresStore) AdvanceBlock(ctx context.Context, blockID string, from, to model.BlockBucket, n int) error {
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
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE blocks SET %[1]s = %[1]s - $1, %[2]s = %[2]s + $1 WHERE id = $2 AND %[1]s >= $1`, fromCol, toCol),
		n, blockID)
	if err != nil {
		return eris.Wrapf(err, "postgres: advance block %s", blockID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: advance block %s: fewer than %d in %s", blockID, n, from)
	}
	return nil
}

// Sending identities

func (s *PostgresStore) UpsertIdentity(ctx context.Context, identity *model.SendingIdentity) error {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO identities (id, tenant_id, number, campaign, healthy, active, created_at)
		 VALUES ($1, $2, $3, $4, true, $5, $6)
		 ON CONFLICT (tenant_id, number) DO UPDATE SET campaign = EXCLUDED.campaign, active = EXCLUDED.active
		 RETURNING id`,
		identity.ID, identity.TenantID, identity.Number, identity.Campaign, identity.Active, identity.CreatedAt,
	).Scan(&identity.ID)
	return eris.Wrapf(err, "postgres: upsert identity %s", identity.Number)
}

func (s *PostgresStore) ListIdentities(ctx context.Context, tenantID string) ([]model.SendingIdentity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE tenant_id = $1 ORDER BY number`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list identities")
	}
	defer rows.Close()

	var out []model.SendingIdentity
	for rows.Next() {
		id, err := scanPgIdentity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list identities")
		}
		out = append(out, *id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list identities iterate")
}

// SelectNextIdentity picks and marks the least recently used identity in one
// statement; SKIP LOCKED keeps concurrent dispatchers off the same row.
func (s *PostgresStore) SelectNextIdentity(ctx context.Context, filter IdentityFilter, now time.Time) (*model.SendingIdentity, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE identities SET
			send_count = send_count + 1,
			daily_count = CASE WHEN daily_reset_on = $3 THEN daily_count + 1 ELSE 1 END,
			daily_reset_on = $3,
			last_used_at = $4
		 WHERE id = (
			SELECT id FROM identities
			WHERE tenant_id = $1 AND active AND healthy AND ($2 = '' OR campaign = '' OR campaign = $2)
			ORDER BY last_used_at ASC NULLS FIRST, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+identityColumns,
		filter.TenantID, filter.Campaign, model.DayKey(now), now.UTC())
	id, err := scanPgIdentity(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: select identity for %s", filter.TenantID)
	}
	return id, nil
}

func (s *PostgresStore) RecordIdentityResult(ctx context.Context, identityID string, success bool, threshold int) (*model.SendingIdentity, error) {
	var row pgx.Row
	if success {
		row = s.pool.QueryRow(ctx,
			`UPDATE identities SET success_count = success_count + 1, consecutive_failures = 0
			 WHERE id = $1 RETURNING `+identityColumns, identityID)
	} else {
		row = s.pool.QueryRow(ctx,
			`UPDATE identities SET failure_count = failure_count + 1,
			   consecutive_failures = consecutive_failures + 1,
			   healthy = CASE WHEN consecutive_failures + 1 >= $1 THEN false ELSE healthy END
			 WHERE id = $2 RETURNING `+identityColumns, threshold, identityID)
	}
	id, err := scanPgIdentity(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: record result for identity %s", identityID)
	}
	return id, nil
}

func (s *PostgresStore) ResetIdentity(ctx context.Context, identityID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET consecutive_failures = 0, healthy = true WHERE id = $1`, identityID)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset identity %s", identityID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "identity %s", identityID)
	}
	return nil
}

func (s *PostgresStore) SetIdentityActive(ctx context.Context, identityID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE identities SET active = $1 WHERE id = $2`, active, identityID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set identity %s active", identityID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "identity %s", identityID)
	}
	return nil
}

// Dispatch records

func (s *PostgresStore) GetDispatch(ctx context.Context, tenantID, campaign, contactID string) (*model.DispatchRecord, error) {
	var r model.DispatchRecord
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, campaign, contact_id, identity_id, to_number, body, status, error, attempts, created_at
		 FROM dispatch_records WHERE tenant_id = $1 AND campaign = $2 AND contact_id = $3`,
		tenantID, campaign, contactID,
	).Scan(&r.TenantID, &r.Campaign, &r.ContactID, &r.IdentityID, &r.To, &r.Body, &status, &r.Error, &r.Attempts, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get dispatch")
	}
	r.Status = model.DispatchStatus(status)
	return &r, nil
}

func (s *PostgresStore) SaveDispatch(ctx context.Context, rec *model.DispatchRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dispatch_records
		 (tenant_id, campaign, contact_id, identity_id, to_number, body, status, error, attempts, day, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tenant_id, campaign, contact_id) DO UPDATE SET
		   identity_id = EXCLUDED.identity_id, to_number = EXCLUDED.to_number, body = EXCLUDED.body,
		   status = EXCLUDED.status, error = EXCLUDED.error, attempts = EXCLUDED.attempts, day = EXCLUDED.day
		 WHERE EXCLUDED.status <> 'would_send' OR dispatch_records.status NOT IN ('sent', 'sending')`,
		rec.TenantID, rec.Campaign, rec.ContactID, rec.IdentityID, rec.To, rec.Body,
		string(rec.Status), rec.Error, rec.Attempts, model.DayKey(rec.CreatedAt), rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save dispatch %s", rec.ContactID)
}

// ClaimDispatch takes the record and the budget slot in one transaction. A
// concurrent claim on the same record waits on its row lock and then sees
// status sending; the budget row lock serializes the cap check.
func (s *PostgresStore) ClaimDispatch(ctx context.Context, claim DispatchClaim) error {
	rec := claim.Record
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	day := model.DayKey(rec.CreatedAt)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: claim dispatch: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO dispatch_records
		 (tenant_id, campaign, contact_id, identity_id, to_number, body, status, error, attempts, day, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, '', 0, $8, $9)
		 ON CONFLICT (tenant_id, campaign, contact_id) DO UPDATE SET
		   identity_id = EXCLUDED.identity_id, to_number = EXCLUDED.to_number, body = EXCLUDED.body,
		   status = EXCLUDED.status, error = '', attempts = 0, day = EXCLUDED.day, created_at = EXCLUDED.created_at
		 WHERE dispatch_records.status IN ('failed', 'would_send')
		    OR (dispatch_records.status = 'sending' AND dispatch_records.created_at < $10)`,
		rec.TenantID, rec.Campaign, rec.ContactID, rec.IdentityID, rec.To, rec.Body,
		string(model.DispatchSending), day, rec.CreatedAt, claim.StaleBefore)
	if err != nil {
		return eris.Wrapf(err, "postgres: claim dispatch %s", rec.ContactID)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyClaimed
	}

	tag, err = tx.Exec(ctx,
		`INSERT INTO dispatch_budget (tenant_id, day, used) VALUES ($1, $2, 1)
		 ON CONFLICT (tenant_id, day) DO UPDATE SET used = dispatch_budget.used + 1
		 WHERE $3 <= 0 OR dispatch_budget.used < $3`,
		rec.TenantID, day, claim.DailyCap)
	if err != nil {
		return eris.Wrapf(err, "postgres: charge budget for %s", rec.TenantID)
	}
	if tag.RowsAffected() == 0 {
		return ErrDailyCapReached
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: claim dispatch: commit tx")
	}
	rec.Status = model.DispatchSending
	rec.Error = ""
	rec.Attempts = 0
	return nil
}

func (s *PostgresStore) ReleaseDispatch(ctx context.Context, rec *model.DispatchRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: release dispatch: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`DELETE FROM dispatch_records
		 WHERE tenant_id = $1 AND campaign = $2 AND contact_id = $3 AND status = 'sending'`,
		rec.TenantID, rec.Campaign, rec.ContactID)
	if err != nil {
		return eris.Wrapf(err, "postgres: release dispatch %s", rec.ContactID)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE dispatch_budget SET used = used - 1 WHERE tenant_id = $1 AND day = $2 AND used > 0`,
			rec.TenantID, model.DayKey(rec.CreatedAt)); err != nil {
			return eris.Wrapf(err, "postgres: refund budget for %s", rec.TenantID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: release dispatch: commit tx")
}

func (s *PostgresStore) SentToday(ctx context.Context, tenantID string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT used FROM dispatch_budget WHERE tenant_id = $1 AND day = $2), 0)`,
		tenantID, model.DayKey(now),
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: sent today")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, tenant_id, stage, payload, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $5, error_type = $6, retry_count = $7, next_retry_at = $9, last_failed_at = $11`,
		e.ID, e.TenantID, e.Stage, []byte(e.Payload), e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		e.NextRetryAt, e.CreatedAt, e.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter, now time.Time) ([]resilience.DLQEntry, error) {
	query := `SELECT id, tenant_id, stage, payload, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE next_retry_at <= $1 AND retry_count < max_retries`
	args := []any{now}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(` AND tenant_id = $%d`, len(args))
	}
	if filter.Stage != "" {
		args = append(args, filter.Stage)
		query += fmt.Sprintf(` AND stage = $%d`, len(args))
	}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += fmt.Sprintf(` AND error_type = $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Stage, &payload, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq_entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE $1 = '' OR tenant_id = $1`, tenantID).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

// scanners

func scanPgContact(row pgx.Row) (*model.Contact, error) {
	var c model.Contact
	var status string
	var b contactBlobs
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.FirstName, &c.LastName, &c.Company,
		&c.Street, &c.City, &c.State, &c.Zip, &c.Sector, &c.DedupKey, &status, &c.BlockID,
		&b.Phones, &b.Emails, &b.Score, &b.Qualification, &c.Tier, &c.PriorityScore, &b.Raw,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan contact")
	}
	c.Status = model.ContactStatus(status)
	if err := decodeContact(&c, b); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanPgBlock(row pgx.Row) (*model.Block, error) {
	var b model.Block
	var status string
	err := row.Scan(&b.ID, &b.TenantID, &b.Sequence, &b.Capacity,
		&b.RawCount, &b.TracedCount, &b.ScoredCount, &b.ReadyCount, &status, &b.CreatedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan block")
	}
	b.Status = model.BlockStatus(status)
	return &b, nil
}

func scanPgIdentity(row pgx.Row) (*model.SendingIdentity, error) {
	var id model.SendingIdentity
	err := row.Scan(&id.ID, &id.TenantID, &id.Number, &id.Campaign, &id.SendCount, &id.DailyCount, &id.DailyResetOn,
		&id.SuccessCount, &id.FailureCount, &id.ConsecutiveFailures, &id.Healthy, &id.Active, &id.LastUsedAt, &id.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan identity")
	}
	return &id, nil
}
