package objstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PGConfig mirrors the connection-pool tunables db.InitDB read from the
// environment in the teacher (DB_HOST, DB_MAX_CONNECTIONS, ...),
// generalized here to a single key/value blob table rather than the
// teacher's hatchery/shipment/NFT schema.
type PGConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	DBName             string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
}

// PGStore is a Postgres-backed ports.Store: durable persistence for
// instance/batch state across process restarts on deployments that want
// transactional storage instead of the in-memory MemStore (spec §5,
// P11 durability). Grounded in db.InitDB's pool setup and createTables
// pattern, reworked from the teacher's multi-table hatchery schema down
// to the single opaque-blob table this core's ports.Store needs.
type PGStore struct {
	db *sql.DB
}

// NewPGStore opens a connection pool and ensures the backing table
// exists, the same open-then-ping-then-create-tables sequence as
// db.InitDB.
func NewPGStore(cfg PGConfig) (*PGStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s application_name=matchcore connect_timeout=10",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("objstore: opening postgres connection: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetimeSec
	if lifetime <= 0 {
		lifetime = 300
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Duration(lifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("objstore: pinging postgres: %w", err)
	}

	if _, err := sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS matchcore_objects (
			path       TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("objstore: creating matchcore_objects table: %w", err)
	}

	return &PGStore{db: sqlDB}, nil
}

func (s *PGStore) Put(ctx context.Context, path string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matchcore_objects (path, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, path, data)
	return err
}

func (s *PGStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM matchcore_objects WHERE path = $1`, path).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *PGStore) Delete(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM matchcore_objects WHERE path = $1`, path)
	return err
}

func (s *PGStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM matchcore_objects WHERE path LIKE $1 ORDER BY path`, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		out = append(out, path)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (s *PGStore) Close() error {
	return s.db.Close()
}

// escapeLikePrefix escapes SQL LIKE metacharacters in prefix so callers
// can pass arbitrary path prefixes (e.g. "match:") without them being
// interpreted as wildcards.
func escapeLikePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}
