package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/observability"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createMemoryTablesSQL = `
CREATE TABLE IF NOT EXISTS user_facts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id VARCHAR(255) NOT NULL,
    category VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    fact_key VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, fact_key)
);

CREATE INDEX IF NOT EXISTS idx_user_facts_user_id ON user_facts(user_id);
CREATE INDEX IF NOT EXISTS idx_user_facts_fact_key ON user_facts(fact_key);

CREATE TABLE IF NOT EXISTS collective_facts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fact_key VARCHAR(64) NOT NULL UNIQUE,
    category VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    user_count INTEGER NOT NULL,
    promoted BOOLEAN NOT NULL DEFAULT 0,
    promoted_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS collective_sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fact_key VARCHAR(64) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    UNIQUE (fact_key, user_id)
);
`

const createMemoryTablesPostgresSQL = `
CREATE TABLE IF NOT EXISTS user_facts (
    id SERIAL PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    category VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    fact_key VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, fact_key)
);

CREATE INDEX IF NOT EXISTS idx_user_facts_user_id ON user_facts(user_id);
CREATE INDEX IF NOT EXISTS idx_user_facts_fact_key ON user_facts(fact_key);

CREATE TABLE IF NOT EXISTS collective_facts (
    id SERIAL PRIMARY KEY,
    fact_key VARCHAR(64) NOT NULL UNIQUE,
    category VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    user_count INTEGER NOT NULL,
    promoted BOOLEAN NOT NULL DEFAULT FALSE,
    promoted_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS collective_sources (
    id SERIAL PRIMARY KEY,
    fact_key VARCHAR(64) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    UNIQUE (fact_key, user_id)
);
`

const createMemoryTablesMySQLSQL = `
CREATE TABLE IF NOT EXISTS user_facts (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    user_id VARCHAR(255) NOT NULL,
    category VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    fact_key VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, fact_key),
    INDEX idx_user_facts_user_id (user_id),
    INDEX idx_user_facts_fact_key (fact_key)
);

CREATE TABLE IF NOT EXISTS collective_facts (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    fact_key VARCHAR(64) NOT NULL UNIQUE,
    category VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    user_count INTEGER NOT NULL,
    promoted BOOLEAN NOT NULL DEFAULT FALSE,
    promoted_at TIMESTAMP NULL
);

CREATE TABLE IF NOT EXISTS collective_sources (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    fact_key VARCHAR(64) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    UNIQUE (fact_key, user_id)
);
`

// SQLStore is the fact store. Writes to one user are serialized through a
// keyed mutex with a bounded wait; a writer that cannot get the lock skips
// the write rather than blocking a query in flight. Reads pass through a
// semaphore so a burst of concurrent queries cannot exhaust the pool.
type SQLStore struct {
	db        *sql.DB
	dialect   string
	threshold int
	locks     *KeyedMutex
	readGate  *semaphore.Weighted
}

func NewSQLStore(db *sql.DB, dialect string, cfg *config.MemoryConfig) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:        db,
		dialect:   dialect,
		threshold: cfg.PromotionThreshold,
		locks:     NewKeyedMutex(cfg.LockTimeout()),
		readGate:  semaphore.NewWeighted(int64(cfg.ReadConcurrency)),
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenDatabase opens and pings the configured SQL backend. The returned
// handle is shared by the fact store and the conversation store.
func OpenDatabase(cfg *config.SQLConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

func NewSQLStoreFromConfig(cfg *config.MemoryConfig) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("memory configuration is required")
	}
	db, err := OpenDatabase(&cfg.SQL)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db, cfg.SQL.Driver, cfg)
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createMemoryTablesSQL
	switch s.dialect {
	case "postgres":
		schema = createMemoryTablesPostgresSQL
	case "mysql":
		schema = createMemoryTablesMySQLSQL
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// SaveFacts upserts a batch of facts for one user and runs promotion for any
// fact that crossed the distinct-user threshold. Returns false without
// writing when the user's write lock cannot be acquired in time.
func (s *SQLStore) SaveFacts(ctx context.Context, userID string, facts []*Fact) (bool, error) {
	if len(facts) == 0 {
		return true, nil
	}
	if userID == "" {
		return false, fmt.Errorf("user id is required")
	}

	if !s.locks.Lock(ctx, userID) {
		slog.Warn("Skipping memory write, lock not acquired", "user_id", userID)
		return false, nil
	}
	defer s.locks.Unlock(userID)

	now := time.Now().UTC()
	for _, fact := range facts {
		fact.Category = NormalizeCategory(fact.Category)
		key := factKey(fact.Category, fact.Content)

		if err := s.upsertFact(ctx, userID, fact, key, now); err != nil {
			return false, fmt.Errorf("failed to save fact: %w", err)
		}
		observability.GetGlobalMetrics().RecordMemoryWrite(ctx)

		if _, err := s.maybePromote(ctx, userID, fact.Category, fact.Content, key, now); err != nil {
			return false, fmt.Errorf("failed to promote fact: %w", err)
		}
	}
	return true, nil
}

func (s *SQLStore) upsertFact(ctx context.Context, userID string, fact *Fact, key string, now time.Time) error {
	var query string
	switch s.dialect {
	case "mysql":
		query = `INSERT INTO user_facts (user_id, category, content, fact_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE content = VALUES(content), updated_at = VALUES(updated_at)`
	case "postgres":
		query = `INSERT INTO user_facts (user_id, category, content, fact_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, fact_key) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`
	default:
		query = `INSERT INTO user_facts (user_id, category, content, fact_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, fact_key) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`
	}

	_, err := s.db.ExecContext(ctx, query, userID, fact.Category, fact.Content, key, now, now)
	return err
}

// maybePromote registers userID as a contributor to a fact and flips the fact
// to promoted the moment the distinct-contributor count reaches the threshold.
// The contributor insert, the count and the flag all change inside one
// transaction holding the fact row, so the false-to-true transition, and with
// it the promotion event, happens exactly once per fact. Returns whether this
// call performed the transition.
func (s *SQLStore) maybePromote(ctx context.Context, userID, category, content, key string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Seed the fact row so there is always a row to lock.
	var seed string
	switch s.dialect {
	case "mysql":
		seed = `INSERT IGNORE INTO collective_facts (fact_key, category, content, user_count, promoted)
			VALUES (?, ?, ?, 0, FALSE)`
	case "postgres":
		seed = `INSERT INTO collective_facts (fact_key, category, content, user_count, promoted)
			VALUES ($1, $2, $3, 0, FALSE)
			ON CONFLICT (fact_key) DO NOTHING`
	default:
		seed = `INSERT INTO collective_facts (fact_key, category, content, user_count, promoted)
			VALUES (?, ?, ?, 0, FALSE)
			ON CONFLICT (fact_key) DO NOTHING`
	}
	if _, err := tx.ExecContext(ctx, seed, key, category, content); err != nil {
		return false, err
	}

	sel := `SELECT user_count, promoted FROM collective_facts WHERE fact_key = ?`
	if s.dialect == "postgres" {
		sel = `SELECT user_count, promoted FROM collective_facts WHERE fact_key = $1`
	}
	if s.dialect != "sqlite" {
		// SQLite serializes writers on its own; the others need the row lock.
		sel += " FOR UPDATE"
	}
	var users int
	var promoted bool
	if err := tx.QueryRowContext(ctx, sel, key).Scan(&users, &promoted); err != nil {
		return false, err
	}

	var contrib string
	switch s.dialect {
	case "mysql":
		contrib = `INSERT IGNORE INTO collective_sources (fact_key, user_id) VALUES (?, ?)`
	case "postgres":
		contrib = `INSERT INTO collective_sources (fact_key, user_id) VALUES ($1, $2)
			ON CONFLICT (fact_key, user_id) DO NOTHING`
	default:
		contrib = `INSERT INTO collective_sources (fact_key, user_id) VALUES (?, ?)
			ON CONFLICT (fact_key, user_id) DO NOTHING`
	}
	result, err := tx.ExecContext(ctx, contrib, key, userID)
	if err != nil {
		return false, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		// Repeat contribution from a known user; nothing moved.
		return false, tx.Commit()
	}
	users++

	transition := !promoted && users >= s.threshold

	if transition {
		update := `UPDATE collective_facts SET user_count = ?, promoted = TRUE, promoted_at = ? WHERE fact_key = ?`
		if s.dialect == "postgres" {
			update = `UPDATE collective_facts SET user_count = $1, promoted = TRUE, promoted_at = $2 WHERE fact_key = $3`
		}
		_, err = tx.ExecContext(ctx, update, users, now, key)
	} else {
		update := `UPDATE collective_facts SET user_count = ? WHERE fact_key = ?`
		if s.dialect == "postgres" {
			update = `UPDATE collective_facts SET user_count = $1 WHERE fact_key = $2`
		}
		_, err = tx.ExecContext(ctx, update, users, key)
	}
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if transition {
		observability.GetGlobalMetrics().RecordPromotion(ctx, category)
	}
	return transition, nil
}

// GetFacts returns all facts for one user, newest first.
func (s *SQLStore) GetFacts(ctx context.Context, userID string) ([]*Fact, error) {
	if err := s.readGate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.readGate.Release(1)

	query := `SELECT id, user_id, category, content, created_at, updated_at
		FROM user_facts WHERE user_id = ? ORDER BY updated_at DESC`
	if s.dialect == "postgres" {
		query = `SELECT id, user_id, category, content, created_at, updated_at
			FROM user_facts WHERE user_id = $1 ORDER BY updated_at DESC`
	}

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		f := &Fact{}
		if err := rows.Scan(&f.ID, &f.UserID, &f.Category, &f.Content, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// GetCollective returns all promoted facts, most supported first.
func (s *SQLStore) GetCollective(ctx context.Context) ([]*CollectiveFact, error) {
	if err := s.readGate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.readGate.Release(1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, content, user_count, promoted_at FROM collective_facts
			WHERE promoted = TRUE ORDER BY user_count DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query collective facts: %w", err)
	}
	defer rows.Close()

	var facts []*CollectiveFact
	for rows.Next() {
		f := &CollectiveFact{}
		if err := rows.Scan(&f.ID, &f.Category, &f.Content, &f.UserCount, &f.PromotedAt); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// DeleteUserFacts removes everything remembered about one user.
func (s *SQLStore) DeleteUserFacts(ctx context.Context, userID string) error {
	if !s.locks.Lock(ctx, userID) {
		return fmt.Errorf("could not acquire write lock for user %s", userID)
	}
	defer s.locks.Unlock(userID)

	query := `DELETE FROM user_facts WHERE user_id = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM user_facts WHERE user_id = $1`
	}
	_, err := s.db.ExecContext(ctx, query, userID)
	return err
}

// Health reports store availability for the health endpoint.
func (s *SQLStore) Health(ctx context.Context) observability.Status {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(pingCtx); err != nil {
		return observability.StatusUnavailable
	}
	return observability.StatusHealthy
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
