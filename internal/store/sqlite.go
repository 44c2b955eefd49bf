package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// In-memory databases need a shared cache so every pooled connection
	// sees the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			direct_connect INTEGER NOT NULL DEFAULT 0,
			tools_only INTEGER NOT NULL DEFAULT 0,
			region TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			os_name TEXT NOT NULL DEFAULT '',
			os_version TEXT NOT NULL DEFAULT '',
			app_version TEXT NOT NULL DEFAULT '',
			release_group TEXT NOT NULL DEFAULT '',
			connected_orchestrator TEXT NOT NULL DEFAULT '',
			date_started DATETIME,
			date_stopped DATETIME,
			date_last_session DATETIME,
			date_last_heartbeat DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_account_id ON hosts(account_id)`,
		`CREATE TABLE IF NOT EXISTS connection_counts (
			orchestrator_id TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (orchestrator_id, account_id)
		)`,
		`CREATE TABLE IF NOT EXISTS releases (
			release_group TEXT NOT NULL,
			version TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			download_url TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (release_group, version)
		)`,
		`CREATE TABLE IF NOT EXISTS access_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT UNIQUE NOT NULL,
			kind TEXT NOT NULL,
			host_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_keys_host_id ON access_keys(host_id)`,
		`CREATE TABLE IF NOT EXISTS credit_entries (
			id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			seconds INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Hosts ---

func (s *SQLiteStore) UpsertHost(ctx context.Context, h *Host) error {
	if h.Status == "" {
		h.Status = HostOffline
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hosts (`+hostColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET account_id=excluded.account_id, name=excluded.name,
		   direct_connect=excluded.direct_connect, tools_only=excluded.tools_only, region=excluded.region`,
		h.ID, h.AccountID, h.Name, h.Address, h.Port, h.DirectConnect, h.ToolsOnly, h.Region, h.Status,
		h.OSName, h.OSVersion, h.AppVersion, h.ReleaseGroup, h.ConnectedOrchestrator,
		nullTime(h.DateStarted), nullTime(h.DateStopped), nullTime(h.DateLastSession), nullTime(h.DateLastHeartbeat),
	)
	return err
}

func (s *SQLiteStore) GetHost(ctx context.Context, id string) (*Host, error) {
	h, err := scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return h, err
}

func (s *SQLiteStore) ListHosts(ctx context.Context, accountID string) ([]Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
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

func (s *SQLiteStore) PatchHostForConnection(ctx context.Context, h *Host) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = ?, address = ?, port = ?, connected_orchestrator = ?,
		   date_started = ?, date_stopped = ?, date_last_session = ? WHERE id = ?`,
		h.Status, h.Address, h.Port, h.ConnectedOrchestrator,
		nullTime(h.DateStarted), nullTime(h.DateStopped), nullTime(h.DateLastSession), h.ID,
	)
	return err
}

func (s *SQLiteStore) PatchHostForHeartbeat(ctx context.Context, h *Host) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = ?, address = ?, port = ?, connected_orchestrator = ?, date_last_heartbeat = ?
		 WHERE id = ?`,
		h.Status, h.Address, h.Port, h.ConnectedOrchestrator, nullTime(h.DateLastHeartbeat), h.ID,
	)
	return err
}

func (s *SQLiteStore) PatchHostEnvironment(ctx context.Context, h *Host) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET os_name = ?, os_version = ?, app_version = ?, release_group = ? WHERE id = ?`,
		h.OSName, h.OSVersion, h.AppVersion, h.ReleaseGroup, h.ID,
	)
	return err
}

// --- Connection counts ---

func (s *SQLiteStore) PatchConnectionCount(ctx context.Context, orchestratorID string, count int, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_counts (orchestrator_id, account_id, count, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(orchestrator_id, account_id) DO UPDATE SET count=excluded.count, updated_at=excluded.updated_at`,
		orchestratorID, accountID, count, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) GetConnectionCount(ctx context.Context, orchestratorID, accountID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM connection_counts WHERE orchestrator_id = ? AND account_id = ?`, orchestratorID, accountID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// --- Releases ---

func (s *SQLiteStore) UpsertRelease(ctx context.Context, r *Release) error {
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
			`UPDATE releases SET active = 0 WHERE release_group = ?`, r.Group); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO releases (release_group, version, active, download_url, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(release_group, version) DO UPDATE SET active=excluded.active, download_url=excluded.download_url`,
		r.Group, r.Version, r.Active, r.DownloadURL, r.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetActiveRelease(ctx context.Context, group string) (*Release, error) {
	var r Release
	err := s.db.QueryRowContext(ctx,
		`SELECT release_group, version, active, download_url, created_at FROM releases
		 WHERE release_group = ? AND active = 1 ORDER BY created_at DESC LIMIT 1`, group,
	).Scan(&r.Group, &r.Version, &r.Active, &r.DownloadURL, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &r, err
}

// --- Access keys ---

func (s *SQLiteStore) CreateAccessKey(ctx context.Context, k *AccessKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_keys (id, key_hash, kind, host_id, account_id, name, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.KeyHash, k.Kind, k.HostID, k.AccountID, k.Name, nullTime(k.ExpiresAt), k.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetAccessKey(ctx context.Context, rawKey, kind string) (*AccessKey, error) {
	k, err := scanAccessKey(s.db.QueryRowContext(ctx,
		`SELECT id, key_hash, kind, host_id, account_id, name, expires_at, created_at
		 FROM access_keys WHERE key_hash = ? AND kind = ?`, HashKey(rawKey), kind,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return k, err
}

func (s *SQLiteStore) SetAccessKeyTTL(ctx context.Context, id string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_keys SET expires_at = ? WHERE id = ?`, time.Now().Add(ttl).UTC(), id,
	)
	return err
}

// --- Uptime credits ---

func (s *SQLiteStore) AppendCreditEntry(ctx context.Context, e *CreditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_entries (id, host_id, account_id, kind, seconds, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.HostID, e.AccountID, e.Kind, e.Seconds, e.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListCreditEntries(ctx context.Context, hostID string) ([]CreditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host_id, account_id, kind, seconds, created_at FROM credit_entries
		 WHERE host_id = ? ORDER BY created_at`, hostID,
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
