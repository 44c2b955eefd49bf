package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			direct_connect BOOLEAN NOT NULL DEFAULT FALSE,
			tools_only BOOLEAN NOT NULL DEFAULT FALSE,
			region TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			os_name TEXT NOT NULL DEFAULT '',
			os_version TEXT NOT NULL DEFAULT '',
			app_version TEXT NOT NULL DEFAULT '',
			release_group TEXT NOT NULL DEFAULT '',
			connected_orchestrator TEXT NOT NULL DEFAULT '',
			date_started TIMESTAMPTZ,
			date_stopped TIMESTAMPTZ,
			date_last_session TIMESTAMPTZ,
			date_last_heartbeat TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_account_id ON hosts(account_id)`,
		`CREATE TABLE IF NOT EXISTS connection_counts (
			orchestrator_id TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (orchestrator_id, account_id)
		)`,
		`CREATE TABLE IF NOT EXISTS releases (
			release_group TEXT NOT NULL,
			version TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			download_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (release_group, version)
		)`,
		`CREATE TABLE IF NOT EXISTS access_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT UNIQUE NOT NULL,
			kind TEXT NOT NULL,
			host_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_keys_host_id ON access_keys(host_id)`,
		`CREATE TABLE IF NOT EXISTS credit_entries (
			id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			seconds BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_entries_host_id ON credit_entries(host_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Hosts ---

func (s *PostgresStore) UpsertHost(ctx context.Context, h *Host) error {
	if h.Status == "" {
		h.Status = HostOffline
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hosts (`+hostColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT(id) DO UPDATE SET account_id=EXCLUDED.account_id, name=EXCLUDED.name,
		   direct_connect=EXCLUDED.direct_connect, tools_only=EXCLUDED.tools_only, region=EXCLUDED.region`,
		h.ID, h.AccountID, h.Name, h.Address, h.Port, h.DirectConnect, h.ToolsOnly, h.Region, h.Status,
		h.OSName, h.OSVersion, h.AppVersion, h.ReleaseGroup, h.ConnectedOrchestrator,
		nullTime(h.DateStarted), nullTime(h.DateStopped), nullTime(h.DateLastSession), nullTime(h.DateLastHeartbeat),
	)
	return err
}

func (s *PostgresStore) GetHost(ctx context.Context, id string) (*Host, error) {
	h, err := scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return h, err
}

func (s *PostgresStore) ListHosts(ctx context.Context, accountID string) ([]Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

func (s *PostgresStore) PatchHostForConnection(ctx context.Context, h *Host) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = $1, address = $2, port = $3, connected_orchestrator = $4,
		   date_started = $5, date_stopped = $6, date_last_session = $7 WHERE id = $8`,
		h.Status, h.Address, h.Port, h.ConnectedOrchestrator,
		nullTime(h.DateStarted), nullTime(h.DateStopped), nullTime(h.DateLastSession), h.ID,
	)
	return err
}

func (s *PostgresStore) PatchHostForHeartbeat(ctx context.Context, h *Host) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = $1, address = $2, port = $3, connected_orchestrator = $4, date_last_heartbeat = $5
		 WHERE id = $6`,
		h.Status, h.Address, h.Port, h.ConnectedOrchestrator, nullTime(h.DateLastHeartbeat), h.ID,
	)
	return err
}

func (s *PostgresStore) PatchHostEnvironment(ctx context.Context, h *Host) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET os_name = $1, os_version = $2, app_version = $3, release_group = $4 WHERE id = $5`,
		h.OSName, h.OSVersion, h.AppVersion, h.ReleaseGroup, h.ID,
	)
	return err
}

// --- Connection counts ---

func (s *PostgresStore) PatchConnectionCount(ctx context.Context, orchestratorID string, count int, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_counts (orchestrator_id, account_id, count, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT(orchestrator_id, account_id) DO UPDATE SET count=EXCLUDED.count, updated_at=EXCLUDED.updated_at`,
		orchestratorID, accountID, count,
	)
	return err
}

func (s *PostgresStore) GetConnectionCount(ctx context.Context, orchestratorID, accountID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM connection_counts WHERE orchestrator_id = $1 AND account_id = $2`, orchestratorID, accountID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// --- Releases ---

func (s *PostgresStore) UpsertRelease(ctx context.Context, r *Release) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if r.Active {
		if _, err := tx.ExecContext(ctx,
			`UPDATE releases SET active = FALSE WHERE release_group = $1`, r.Group); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO releases (release_group, version, active, download_url, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(release_group, version) DO UPDATE SET active=EXCLUDED.active, download_url=EXCLUDED.download_url`,
		r.Group, r.Version, r.Active, r.DownloadURL, r.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetActiveRelease(ctx context.Context, group string) (*Release, error) {
	var r Release
	err := s.db.QueryRowContext(ctx,
		`SELECT release_group, version, active, download_url, created_at FROM releases
		 WHERE release_group = $1 AND active ORDER BY created_at DESC LIMIT 1`, group,
	).Scan(&r.Group, &r.Version, &r.Active, &r.DownloadURL, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &r, err
}

// --- Access keys ---

func (s *PostgresStore) CreateAccessKey(ctx context.Context, k *AccessKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_keys (id, key_hash, kind, host_id, account_id, name, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.KeyHash, k.Kind, k.HostID, k.AccountID, k.Name, nullTime(k.ExpiresAt), k.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccessKey(ctx context.Context, rawKey, kind string) (*AccessKey, error) {
	k, err := scanAccessKey(s.db.QueryRowContext(ctx,
		`SELECT id, key_hash, kind, host_id, account_id, name, expires_at, created_at
		 FROM access_keys WHERE key_hash = $1 AND kind = $2`, HashKey(rawKey), kind,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return k, err
}

func (s *PostgresStore) SetAccessKeyTTL(ctx context.Context, id string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_keys SET expires_at = $1 WHERE id = $2`, time.Now().Add(ttl).UTC(), id,
	)
	return err
}

// --- Uptime credits ---

func (s *PostgresStore) AppendCreditEntry(ctx context.Context, e *CreditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_entries (id, host_id, account_id, kind, seconds, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.HostID, e.AccountID, e.Kind, e.Seconds, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListCreditEntries(ctx context.Context, hostID string) ([]CreditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host_id, account_id, kind, seconds, created_at FROM credit_entries
		 WHERE host_id = $1 ORDER BY created_at`, hostID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []CreditEntry
	for rows.Next() {
		var e CreditEntry
		if err := rows.Scan(&e.ID, &e.HostID, &e.AccountID, &e.Kind, &e.Seconds, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
