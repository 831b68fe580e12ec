package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS orset_topology (
	cluster_id TEXT NOT NULL,
	store_id   TEXT NOT NULL,
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL,
	PRIMARY KEY (cluster_id, store_id)
);

CREATE TABLE IF NOT EXISTS orset_status (
	owner_rc TEXT NOT NULL,
	owner_rs TEXT NOT NULL,
	online   BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (owner_rc, owner_rs)
);

CREATE TABLE IF NOT EXISTS orset_timestamps (
	owner_rc TEXT NOT NULL,
	owner_rs TEXT NOT NULL,
	rc       TEXT NOT NULL,
	rs       TEXT NOT NULL,
	t        BIGINT NOT NULL,
	PRIMARY KEY (owner_rc, owner_rs, rc, rs)
);

CREATE TABLE IF NOT EXISTS orset_elements (
	owner_rc   TEXT NOT NULL,
	owner_rs   TEXT NOT NULL,
	id         TEXT NOT NULL,
	value      TEXT NOT NULL,
	added_t    BIGINT NOT NULL,
	added_rc   TEXT NOT NULL,
	added_rs   TEXT NOT NULL,
	removed_t  BIGINT,
	removed_rc TEXT,
	removed_rs TEXT,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (owner_rc, owner_rs, id)
);

CREATE INDEX IF NOT EXISTS orset_elements_value_idx ON orset_elements (owner_rc, owner_rs, value);
`

const elementColumns = `id, value, added_t, added_rc, added_rs, removed_t, removed_rc, removed_rs, expires_at`

// PostgresConfig holds the connection settings
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// PostgresBackend owns a connection pool shared by every shard handle. Rows
// are namespaced by the owning shard so many shards can share one database.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	opts   Options
	logger *zap.Logger
}

// NewPostgresBackend creates the pool and verifies connectivity
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig, opts Options, logger *zap.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}

	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, apperrors.InvalidArgument("failed to parse connection string", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, opts.OperationTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, apperrors.Unreachable("failed to ping database", err)
	}

	return &PostgresBackend{pool: pool, opts: opts, logger: logger}, nil
}

// EnsureSchema creates the tables if missing
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, postgresSchema)
	return classifyPg(err)
}

// SeedTopology replaces the stored topology
func (b *PostgresBackend) SeedTopology(ctx context.Context, topo *model.Topology) error {
	return classifyPg(pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM orset_topology`); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, e := range topo.Entries() {
			batch.Queue(`INSERT INTO orset_topology (cluster_id, store_id, host, port) VALUES ($1, $2, $3, $4)`,
				e.ClusterID, e.StoreID, e.Host, e.Port)
		}
		return tx.SendBatch(ctx, batch).Close()
	}))
}

// Factory returns a Factory opening handles on this backend
func (b *PostgresBackend) Factory() Factory {
	return func(id Identity) (Store, error) {
		return &PostgresStore{id: id, backend: b}, nil
	}
}

// Close releases the pool
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

func classifyPg(err error) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	if stderrors.As(err, &connErr) || pgconn.Timeout(err) {
		return apperrors.Unreachable("database unreachable", err)
	}
	return apperrors.Classify(err)
}

// PostgresStore is a handle on one shard stored in PostgreSQL
type PostgresStore struct {
	id            Identity
	backend       *PostgresBackend
	mu            sync.RWMutex
	checkIfOnline bool
	closed        bool
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) ClusterID() string { return s.id.ClusterID }
func (s *PostgresStore) StoreID() string   { return s.id.StoreID }
func (s *PostgresStore) Address() string   { return s.id.Address }
func (s *PostgresStore) Name() string      { return s.id.Name() }

func (s *PostgresStore) SetCheckIfOnline(check bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIfOnline = check
}

func (s *PostgresStore) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	s.mu.RLock()
	closed, check := s.closed, s.checkIfOnline
	s.mu.RUnlock()
	if closed {
		return nil, nil, apperrors.Precondition("store " + s.id.Name() + " is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, s.backend.opts.OperationTimeout)
	if !check {
		return ctx, cancel, nil
	}
	online := true
	err := s.backend.pool.QueryRow(ctx,
		`SELECT online FROM orset_status WHERE owner_rc = $1 AND owner_rs = $2`,
		s.id.ClusterID, s.id.StoreID).Scan(&online)
	if err != nil && !stderrors.Is(err, pgx.ErrNoRows) {
		cancel()
		return nil, nil, classifyPg(err)
	}
	if !online {
		cancel()
		return nil, nil, offline(s.id)
	}
	return ctx, cancel, nil
}

func (s *PostgresStore) requireIdentity() error {
	if s.id.ClusterID == "" || s.id.StoreID == "" {
		return apperrors.Precondition("bootstrap handle " + s.id.Address + " cannot modify the set")
	}
	return nil
}

func (s *PostgresStore) SetOnline(ctx context.Context, online bool) error {
	_, err := s.backend.pool.Exec(ctx, `
		INSERT INTO orset_status (owner_rc, owner_rs, online) VALUES ($1, $2, $3)
		ON CONFLICT (owner_rc, owner_rs) DO UPDATE SET online = EXCLUDED.online`,
		s.id.ClusterID, s.id.StoreID, online)
	return classifyPg(err)
}

func (s *PostgresStore) GetTopology(ctx context.Context) (*model.Topology, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rows, err := s.backend.pool.Query(ctx, `SELECT cluster_id, store_id, host, port FROM orset_topology`)
	if err != nil {
		return nil, classifyPg(err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.TopologyEntry, error) {
		var e model.TopologyEntry
		err := row.Scan(&e.ClusterID, &e.StoreID, &e.Host, &e.Port)
		return e, err
	})
	if err != nil {
		return nil, classifyPg(err)
	}
	topo, err := model.TopologyFromEntries(entries)
	if err != nil {
		return nil, apperrors.InvalidTopology("malformed topology row", err)
	}
	return topo, nil
}

// increment bumps the shard's own coordinate inside tx
func (s *PostgresStore) increment(ctx context.Context, tx pgx.Tx) (uint64, error) {
	var t int64
	err := tx.QueryRow(ctx, `
		INSERT INTO orset_timestamps (owner_rc, owner_rs, rc, rs, t) VALUES ($1, $2, $1, $2, 1)
		ON CONFLICT (owner_rc, owner_rs, rc, rs) DO UPDATE SET t = orset_timestamps.t + 1
		RETURNING t`,
		s.id.ClusterID, s.id.StoreID).Scan(&t)
	return uint64(t), err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PostgresStore) Add(ctx context.Context, value string) error {
	if err := ValidateValue(value); err != nil {
		return err
	}
	if err := s.requireIdentity(); err != nil {
		return err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	expiresAt := nullableTime(model.Deadline(s.backend.opts.now(), s.backend.opts.TTL))
	return classifyPg(pgx.BeginFunc(ctx, s.backend.pool, func(tx pgx.Tx) error {
		t, err := s.increment(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO orset_elements (owner_rc, owner_rs, id, value, added_t, added_rc, added_rs, expires_at)
			VALUES ($1, $2, $3, $4, $5, $1, $2, $6)`,
			s.id.ClusterID, s.id.StoreID, uuid.NewString(), value, int64(t), expiresAt)
		return err
	}))
}

func (s *PostgresStore) Remove(ctx context.Context, value string) error {
	if err := ValidateValue(value); err != nil {
		return err
	}
	if err := s.requireIdentity(); err != nil {
		return err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	now := s.backend.opts.now()
	expiresAt := nullableTime(model.Deadline(now, s.backend.opts.TTL))
	return classifyPg(pgx.BeginFunc(ctx, s.backend.pool, func(tx pgx.Tx) error {
		t, err := s.increment(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE orset_elements
			SET removed_t = $4, removed_rc = $1, removed_rs = $2, expires_at = $5
			WHERE owner_rc = $1 AND owner_rs = $2 AND value = $3
			  AND removed_t IS NULL AND (expires_at IS NULL OR expires_at > $6)`,
			s.id.ClusterID, s.id.StoreID, value, int64(t), expiresAt, now)
		return err
	}))
}

func scanElement(row pgx.CollectableRow) (*model.Element, error) {
	var (
		e                    model.Element
		addedT               int64
		removedT             *int64
		removedRC, removedRS *string
		expiresAt            *time.Time
	)
	if err := row.Scan(&e.ID, &e.Value, &addedT, &e.Added.ClusterID, &e.Added.StoreID,
		&removedT, &removedRC, &removedRS, &expiresAt); err != nil {
		return nil, err
	}
	e.Added.T = uint64(addedT)
	if removedT != nil {
		e.Removed = &model.Coordinate{T: uint64(*removedT)}
		if removedRC != nil {
			e.Removed.ClusterID = *removedRC
		}
		if removedRS != nil {
			e.Removed.StoreID = *removedRS
		}
	}
	if expiresAt != nil {
		e.ExpiresAt = *expiresAt
	}
	return &e, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, value string) (bool, error) {
	if err := ValidateValue(value); err != nil {
		return false, err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	rows, err := s.backend.pool.Query(ctx,
		`SELECT `+elementColumns+` FROM orset_elements WHERE owner_rc = $1 AND owner_rs = $2 AND value = $3`,
		s.id.ClusterID, s.id.StoreID, value)
	if err != nil {
		return false, classifyPg(err)
	}
	elements, err := pgx.CollectRows(rows, scanElement)
	if err != nil {
		return false, classifyPg(err)
	}
	return model.Present(elements, s.backend.opts.now()), nil
}

func (s *PostgresStore) GetTimestamps(ctx context.Context) (*model.Timestamps, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rows, err := s.backend.pool.Query(ctx,
		`SELECT rc, rs, t FROM orset_timestamps WHERE owner_rc = $1 AND owner_rs = $2`,
		s.id.ClusterID, s.id.StoreID)
	if err != nil {
		return nil, classifyPg(err)
	}
	defer rows.Close()

	ts := model.NewTimestamps()
	for rows.Next() {
		var rc, rs string
		var t int64
		if err := rows.Scan(&rc, &rs, &t); err != nil {
			return nil, classifyPg(err)
		}
		ts.Set(rc, rs, uint64(t))
	}
	return ts, classifyPg(rows.Err())
}

func (s *PostgresStore) UpdateMaxTimestamps(ctx context.Context, ts *model.Timestamps) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	batch := &pgx.Batch{}
	ts.Each(func(rc, rs string, t uint64) {
		batch.Queue(`
			INSERT INTO orset_timestamps (owner_rc, owner_rs, rc, rs, t) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (owner_rc, owner_rs, rc, rs) DO UPDATE SET t = GREATEST(orset_timestamps.t, EXCLUDED.t)`,
			s.id.ClusterID, s.id.StoreID, rc, rs, int64(t))
	})
	if batch.Len() == 0 {
		return nil
	}
	return classifyPg(s.backend.pool.SendBatch(ctx, batch).Close())
}

// GetUpdates purges expired rows, then returns rows newer than since
func (s *PostgresStore) GetUpdates(ctx context.Context, since *model.Timestamps) ([]*model.Element, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	now := s.backend.opts.now()
	if _, err := s.backend.pool.Exec(ctx,
		`DELETE FROM orset_elements WHERE owner_rc = $1 AND owner_rs = $2 AND expires_at <= $3`,
		s.id.ClusterID, s.id.StoreID, now); err != nil {
		return nil, classifyPg(err)
	}

	rows, err := s.backend.pool.Query(ctx, `
		SELECT `+elementColumns+` FROM orset_elements
		WHERE owner_rc = $1 AND owner_rs = $2
		ORDER BY COALESCE(removed_rc, added_rc), COALESCE(removed_rs, added_rs), COALESCE(removed_t, added_t), id`,
		s.id.ClusterID, s.id.StoreID)
	if err != nil {
		return nil, classifyPg(err)
	}
	elements, err := pgx.CollectRows(rows, scanElement)
	if err != nil {
		return nil, classifyPg(err)
	}

	updates := make([]*model.Element, 0, len(elements))
	for _, e := range elements {
		if !e.Expired(now) && e.NewerThan(since) {
			updates = append(updates, e)
		}
	}
	return updates, nil
}

func (s *PostgresStore) AddUpdates(ctx context.Context, elements []*model.Element) error {
	for _, e := range elements {
		if err := ValidateValue(e.Value); err != nil {
			return err
		}
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	now := s.backend.opts.now()
	batch := &pgx.Batch{}
	for _, e := range elements {
		if e.Expired(now) {
			continue
		}
		var removedT *int64
		var removedRC, removedRS *string
		if e.Removed != nil {
			t := int64(e.Removed.T)
			removedT, removedRC, removedRS = &t, &e.Removed.ClusterID, &e.Removed.StoreID
		}
		batch.Queue(`
			INSERT INTO orset_elements (owner_rc, owner_rs, id, value, added_t, added_rc, added_rs,
				removed_t, removed_rc, removed_rs, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (owner_rc, owner_rs, id) DO UPDATE
			SET removed_t = EXCLUDED.removed_t, removed_rc = EXCLUDED.removed_rc,
				removed_rs = EXCLUDED.removed_rs, expires_at = EXCLUDED.expires_at
			WHERE orset_elements.removed_t IS NULL AND EXCLUDED.removed_t IS NOT NULL`,
			s.id.ClusterID, s.id.StoreID, e.ID, e.Value,
			int64(e.Added.T), e.Added.ClusterID, e.Added.StoreID,
			removedT, removedRC, removedRS, nullableTime(e.ExpiresAt))
	}
	if batch.Len() == 0 {
		return nil
	}
	return classifyPg(s.backend.pool.SendBatch(ctx, batch).Close())
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	return classifyPg(pgx.BeginFunc(ctx, s.backend.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM orset_elements WHERE owner_rc = $1 AND owner_rs = $2`,
			s.id.ClusterID, s.id.StoreID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM orset_timestamps WHERE owner_rc = $1 AND owner_rs = $2`,
			s.id.ClusterID, s.id.StoreID)
		return err
	}))
}

// Close marks the handle closed; the pool belongs to the backend
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
