package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/sbomer/model"
)

// Schema creates the tables used by PgStore. The partial unique index keeps
// at most one PLACEHOLDER per correlation key; the unique event_key is the
// durable guard against duplicate deliveries.
const Schema = `
CREATE TABLE IF NOT EXISTS trigger_events (
	id          TEXT PRIMARY KEY,
	event_key   TEXT NOT NULL UNIQUE,
	event_type  TEXT NOT NULL,
	status      TEXT NOT NULL,
	kind        TEXT NOT NULL DEFAULT '',
	raw_payload JSONB,
	config_type TEXT NOT NULL DEFAULT '',
	config      JSONB,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS work_units (
	id               TEXT PRIMARY KEY,
	identifier       TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	current_phase    TEXT NOT NULL DEFAULT '',
	result           TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	config           JSONB,
	trigger_event_id TEXT UNIQUE REFERENCES trigger_events (id),
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS work_units_placeholder_key
	ON work_units (identifier, type) WHERE status = 'PLACEHOLDER';
CREATE INDEX IF NOT EXISTS work_units_status ON work_units (status);
CREATE INDEX IF NOT EXISTS work_units_key ON work_units (identifier, type);

CREATE TABLE IF NOT EXISTS manifests (
	id               TEXT PRIMARY KEY,
	work_unit_id     TEXT NOT NULL REFERENCES work_units (id) ON DELETE CASCADE,
	trigger_event_id TEXT,
	root_purl        TEXT NOT NULL,
	source_path      TEXT NOT NULL DEFAULT '',
	bom              JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS manifests_work_unit ON manifests (work_unit_id);
`

const workUnitColumns = `id, identifier, type, status, current_phase, result, reason,
	config, trigger_event_id, version, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreateWorkUnit inserts a new work unit.
func (s *PgStore) CreateWorkUnit(ctx context.Context, u model.WorkUnit) error {
	return insertWorkUnit(ctx, s.pool, u)
}

// GetWorkUnit retrieves a work unit by id.
func (s *PgStore) GetWorkUnit(ctx context.Context, id string) (model.WorkUnit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE id = $1`, id)
	u, err := scanWorkUnit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkUnit{}, model.NewWorkUnitNotFoundError(id)
	}
	if err != nil {
		return model.WorkUnit{}, fmt.Errorf("query work unit: %w", err)
	}
	return u, nil
}

// UpdateWorkUnit persists an updated work unit with optimistic locking.
func (s *PgStore) UpdateWorkUnit(ctx context.Context, u model.WorkUnit) (model.WorkUnit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.WorkUnit{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := updateWorkUnit(ctx, tx, u)
	if err != nil {
		return model.WorkUnit{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WorkUnit{}, fmt.Errorf("commit update: %w", err)
	}
	return updated, nil
}

// ListWorkUnits returns work units matching the filters, oldest first.
func (s *PgStore) ListWorkUnits(ctx context.Context, filters WorkUnitFilters) ([]model.WorkUnit, error) {
	return listWorkUnits(ctx, s.pool, filters)
}

// DeleteWorkUnit removes a work unit. Manifests cascade.
func (s *PgStore) DeleteWorkUnit(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM work_units WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete work unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewWorkUnitNotFoundError(id)
	}
	return nil
}

// CreateTriggerEvent inserts a trigger event.
func (s *PgStore) CreateTriggerEvent(ctx context.Context, e model.TriggerEvent) error {
	return insertTriggerEvent(ctx, s.pool, e)
}

// GetTriggerEvent retrieves a trigger event by id.
func (s *PgStore) GetTriggerEvent(ctx context.Context, id string) (model.TriggerEvent, error) {
	var e model.TriggerEvent
	var raw, cfg []byte
	var cfgType string

	err := s.pool.QueryRow(ctx, `
		SELECT id, event_key, event_type, status, kind, raw_payload,
		       config_type, config, reason, created_at, updated_at
		FROM trigger_events
		WHERE id = $1`,
		id,
	).Scan(
		&e.ID, &e.EventKey, &e.EventType, &e.Status, &e.Kind, &raw,
		&cfgType, &cfg, &e.Reason, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TriggerEvent{}, model.NewNotFoundError(fmt.Sprintf("trigger event %q not found", id))
	}
	if err != nil {
		return model.TriggerEvent{}, fmt.Errorf("query trigger event: %w", err)
	}

	e.RawPayload = raw
	if cfgType != "" {
		if e.Config, err = model.DecodeConfig(model.GenerationType(cfgType), cfg); err != nil {
			return model.TriggerEvent{}, err
		}
	}
	return e, nil
}

// MarkTriggerEventProcessed moves a trigger event to PROCESSED.
func (s *PgStore) MarkTriggerEventProcessed(ctx context.Context, id, reason string) error {
	return markTriggerEventProcessed(ctx, s.pool, id, reason)
}

// Correlate runs fn in a transaction that first takes an advisory lock on the
// correlation key, so concurrent deliveries for the same key serialize.
func (s *PgStore) Correlate(ctx context.Context, key model.CorrelationKey, fn func(tx CorrelationTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin correlation: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return fmt.Errorf("lock correlation key %s: %w", key, err)
	}

	if err := fn(&pgTx{tx: tx, key: key}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit correlation: %w", classify(err))
	}
	return nil
}

// StoreManifests inserts all manifests in one transaction. Rows already
// present for the same unit are left as they are.
func (s *PgStore) StoreManifests(ctx context.Context, manifests []model.Manifest) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin manifests: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	stored := 0
	for _, m := range manifests {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO manifests (
				id, work_unit_id, trigger_event_id, root_purl, source_path, bom, created_at
			) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			m.ID, m.WorkUnitID, m.TriggerEventID, m.RootPurl, m.SourcePath, []byte(m.Bom), m.CreatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert manifest %s: %w", m.ID, classify(err))
		}
		if tag.RowsAffected() == 1 {
			stored++
			continue
		}

		var owner string
		if err := tx.QueryRow(ctx, `SELECT work_unit_id FROM manifests WHERE id = $1`, m.ID).Scan(&owner); err != nil {
			return 0, fmt.Errorf("check manifest %s: %w", m.ID, err)
		}
		if owner != m.WorkUnitID {
			return 0, model.NewConflictError(fmt.Sprintf("manifest %q belongs to work unit %s", m.ID, owner))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit manifests: %w", err)
	}
	return stored, nil
}

// ListManifests returns the manifests of a work unit.
func (s *PgStore) ListManifests(ctx context.Context, workUnitID string) ([]model.Manifest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, work_unit_id, COALESCE(trigger_event_id, ''), root_purl, source_path, bom, created_at
		FROM manifests
		WHERE work_unit_id = $1
		ORDER BY created_at ASC, id ASC`,
		workUnitID,
	)
	if err != nil {
		return nil, fmt.Errorf("query manifests: %w", err)
	}
	defer rows.Close()

	var manifests []model.Manifest
	for rows.Next() {
		var m model.Manifest
		var bom []byte
		if err := rows.Scan(
			&m.ID, &m.WorkUnitID, &m.TriggerEventID, &m.RootPurl, &m.SourcePath, &bom, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		m.Bom = bom
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// pgTx is the CorrelationTx of PgStore.
type pgTx struct {
	tx  pgx.Tx
	key model.CorrelationKey
}

func (t *pgTx) CreateTriggerEvent(ctx context.Context, e model.TriggerEvent) error {
	return insertTriggerEvent(ctx, t.tx, e)
}

func (t *pgTx) MarkTriggerEventProcessed(ctx context.Context, id, reason string) error {
	return markTriggerEventProcessed(ctx, t.tx, id, reason)
}

func (t *pgTx) FindPlaceholder(ctx context.Context) (*model.WorkUnit, error) {
	return t.findOne(ctx, model.StatusPlaceholder)
}

func (t *pgTx) FindActive(ctx context.Context) (*model.WorkUnit, error) {
	return t.findOne(ctx, model.StatusReady, model.StatusRunning)
}

func (t *pgTx) FindUpstreamFailed(ctx context.Context) (*model.WorkUnit, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+workUnitColumns+`
		FROM work_units
		WHERE identifier = $1 AND type = $2 AND status = $3 AND result = $4
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		t.key.Identifier, t.key.Type, model.StatusFailed, model.ResultErrGeneral,
	)
	return t.scanOne(row)
}

func (t *pgTx) findOne(ctx context.Context, statuses ...model.WorkUnitStatus) (*model.WorkUnit, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+workUnitColumns+`
		FROM work_units
		WHERE identifier = $1 AND type = $2 AND status = ANY($3)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE`,
		t.key.Identifier, t.key.Type, statusStrings(statuses),
	)
	return t.scanOne(row)
}

func (t *pgTx) scanOne(row pgx.Row) (*model.WorkUnit, error) {
	u, err := scanWorkUnit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find work unit for %s: %w", t.key, err)
	}
	return &u, nil
}

func (t *pgTx) CreateWorkUnit(ctx context.Context, u model.WorkUnit) error {
	return insertWorkUnit(ctx, t.tx, u)
}

func (t *pgTx) UpdateWorkUnit(ctx context.Context, u model.WorkUnit) (model.WorkUnit, error) {
	return updateWorkUnit(ctx, t.tx, u)
}

// --- shared statements ---

func insertWorkUnit(ctx context.Context, q querier, u model.WorkUnit) error {
	cfg, err := model.EncodeConfig(u.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.Version == 0 {
		u.Version = 1
	}

	_, err = q.Exec(ctx, `
		INSERT INTO work_units (
			id, identifier, type, status, current_phase, result, reason,
			config, trigger_event_id, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, NULLIF($9, ''), $10, $11, $12
		)`,
		u.ID, u.Identifier, u.Type, u.Status, u.CurrentPhase, u.Result, u.Reason,
		cfg, u.TriggerEventID, u.Version, u.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert work unit: %w", classify(err))
	}
	return nil
}

func updateWorkUnit(ctx context.Context, q querier, u model.WorkUnit) (model.WorkUnit, error) {
	var current model.WorkUnitStatus
	var version int
	err := q.QueryRow(ctx, `SELECT status, version FROM work_units WHERE id = $1 FOR UPDATE`, u.ID).
		Scan(&current, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkUnit{}, model.NewWorkUnitNotFoundError(u.ID)
	}
	if err != nil {
		return model.WorkUnit{}, fmt.Errorf("lock work unit: %w", err)
	}
	if version != u.Version {
		return model.WorkUnit{}, model.NewConflictError(
			fmt.Sprintf("work unit %q version conflict (expected %d, got %d)", u.ID, u.Version, version),
		)
	}
	if err := model.ValidateTransition(current, u.Status); err != nil {
		return model.WorkUnit{}, err
	}

	cfg, err := model.EncodeConfig(u.Config)
	if err != nil {
		return model.WorkUnit{}, fmt.Errorf("marshal config: %w", err)
	}

	u.UpdatedAt = time.Now().UTC()
	_, err = q.Exec(ctx, `
		UPDATE work_units SET
			status = $1,
			current_phase = $2,
			result = $3,
			reason = $4,
			config = $5,
			trigger_event_id = NULLIF($6, ''),
			version = $7,
			updated_at = $8
		WHERE id = $9`,
		u.Status, u.CurrentPhase, u.Result, u.Reason,
		cfg, u.TriggerEventID, u.Version+1, u.UpdatedAt,
		u.ID,
	)
	if err != nil {
		return model.WorkUnit{}, fmt.Errorf("update work unit: %w", classify(err))
	}
	u.Version++
	return u, nil
}

func listWorkUnits(ctx context.Context, q querier, filters WorkUnitFilters) ([]model.WorkUnit, error) {
	query := `SELECT ` + workUnitColumns + ` FROM work_units WHERE TRUE`
	var args []any
	argIdx := 1

	if len(filters.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statusStrings(filters.Statuses))
		argIdx++
	}
	if filters.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filters.Type)
		argIdx++
	}
	if filters.Identifier != "" {
		query += fmt.Sprintf(" AND identifier = $%d", argIdx)
		args = append(args, filters.Identifier)
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query work units: %w", err)
	}
	defer rows.Close()

	var units []model.WorkUnit
	for rows.Next() {
		u, err := scanWorkUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func insertTriggerEvent(ctx context.Context, q querier, e model.TriggerEvent) error {
	var cfgType string
	if e.Config != nil {
		cfgType = string(e.Config.GenerationType())
	}
	cfg, err := model.EncodeConfig(e.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	_, err = q.Exec(ctx, `
		INSERT INTO trigger_events (
			id, event_key, event_type, status, kind, raw_payload,
			config_type, config, reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.EventKey, e.EventType, e.Status, e.Kind, []byte(e.RawPayload),
		cfgType, cfg, e.Reason, e.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert trigger event: %w", classify(err))
	}
	return nil
}

func markTriggerEventProcessed(ctx context.Context, q querier, id, reason string) error {
	tag, err := q.Exec(ctx, `
		UPDATE trigger_events SET
			status = $1,
			reason = CASE WHEN $2 = '' THEN reason ELSE $2 END,
			updated_at = $3
		WHERE id = $4`,
		model.EventProcessed, reason, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update trigger event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("trigger event %q not found", id))
	}
	return nil
}

func scanWorkUnit(row pgx.Row) (model.WorkUnit, error) {
	var u model.WorkUnit
	var cfg []byte
	var triggerID *string

	if err := row.Scan(
		&u.ID, &u.Identifier, &u.Type, &u.Status, &u.CurrentPhase, &u.Result, &u.Reason,
		&cfg, &triggerID, &u.Version, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return model.WorkUnit{}, err
	}
	if triggerID != nil {
		u.TriggerEventID = *triggerID
	}

	// Undecodable configs read back as nil.
	if decoded, err := model.DecodeConfig(u.Type, cfg); err == nil {
		u.Config = decoded
	}
	return u, nil
}

func statusStrings(statuses []model.WorkUnitStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// classify maps unique violations to CONFLICT errors.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(pgErr.Detail)
	}
	return err
}
