// Package store defines the persistence interface for the orchestrator and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"
)

// Store is the persistence interface for the orchestrator.
type Store interface {
	// Hosts
	UpsertHost(ctx context.Context, h *Host) error
	GetHost(ctx context.Context, id string) (*Host, error)
	ListHosts(ctx context.Context, accountID string) ([]Host, error)
	PatchHostForConnection(ctx context.Context, h *Host) error
	PatchHostForHeartbeat(ctx context.Context, h *Host) error
	PatchHostEnvironment(ctx context.Context, h *Host) error

	// Connection counts per orchestrator instance
	PatchConnectionCount(ctx context.Context, orchestratorID string, count int, accountID string) error
	GetConnectionCount(ctx context.Context, orchestratorID, accountID string) (int, error)

	// Releases
	UpsertRelease(ctx context.Context, r *Release) error
	GetActiveRelease(ctx context.Context, group string) (*Release, error)

	// Access keys
	CreateAccessKey(ctx context.Context, k *AccessKey) error
	GetAccessKey(ctx context.Context, rawKey, kind string) (*AccessKey, error)
	SetAccessKeyTTL(ctx context.Context, id string, ttl time.Duration) error

	// Uptime credits
	AppendCreditEntry(ctx context.Context, e *CreditEntry) error
	ListCreditEntries(ctx context.Context, hostID string) ([]CreditEntry, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Host status values.
const (
	HostOnline  = "online"
	HostOffline = "offline"
)

// Host is the persistent profile of a compute host. Zero times mean unset.
type Host struct {
	ID                    string    `json:"id"`
	AccountID             string    `json:"account_id"`
	Name                  string    `json:"name"`
	Address               string    `json:"address,omitempty"`
	Port                  int       `json:"port,omitempty"`
	DirectConnect         bool      `json:"direct_connect"`
	ToolsOnly             bool      `json:"tools_only"`
	Region                string    `json:"region,omitempty"`
	Status                string    `json:"status"`
	OSName                string    `json:"os_name,omitempty"`
	OSVersion             string    `json:"os_version,omitempty"`
	AppVersion            string    `json:"app_version,omitempty"`
	ReleaseGroup          string    `json:"release_group,omitempty"`
	ConnectedOrchestrator string    `json:"connected_orchestrator,omitempty"`
	DateStarted           time.Time `json:"date_started,omitzero"`
	DateStopped           time.Time `json:"date_stopped,omitzero"`
	DateLastSession       time.Time `json:"date_last_session,omitzero"`
	DateLastHeartbeat     time.Time `json:"date_last_heartbeat,omitzero"`
}

// Release is a published host software version for a release group.
type Release struct {
	Group       string    `json:"group"`
	Version     string    `json:"version"`
	Active      bool      `json:"active"`
	DownloadURL string    `json:"download_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Access key kinds.
const (
	KeyKindHost = "host"
	KeyKindApp  = "app"
)

// AccessKey authenticates a host or an app. Only the key's hash is stored.
type AccessKey struct {
	ID        string    `json:"id"`
	KeyHash   string    `json:"-"`
	Kind      string    `json:"kind"`
	HostID    string    `json:"host_id,omitempty"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the key has an expiry that has passed.
func (k *AccessKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// CreditEntry is one uptime ledger record.
type CreditEntry struct {
	ID        string    `json:"id"`
	HostID    string    `json:"host_id"`
	AccountID string    `json:"account_id"`
	Kind      string    `json:"kind"`
	Seconds   int64     `json:"seconds"`
	CreatedAt time.Time `json:"created_at"`
}

// HashKey returns the stored form of a raw access key.
func HashKey(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

const hostColumns = `id, account_id, name, address, port, direct_connect, tools_only, region, status,
	os_name, os_version, app_version, release_group, connected_orchestrator,
	date_started, date_stopped, date_last_session, date_last_heartbeat`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (*Host, error) {
	var h Host
	var started, stopped, lastSession, lastHeartbeat sql.NullTime
	err := row.Scan(&h.ID, &h.AccountID, &h.Name, &h.Address, &h.Port, &h.DirectConnect, &h.ToolsOnly,
		&h.Region, &h.Status, &h.OSName, &h.OSVersion, &h.AppVersion, &h.ReleaseGroup,
		&h.ConnectedOrchestrator, &started, &stopped, &lastSession, &lastHeartbeat)
	if err != nil {
		return nil, err
	}
	h.DateStarted = started.Time
	h.DateStopped = stopped.Time
	h.DateLastSession = lastSession.Time
	h.DateLastHeartbeat = lastHeartbeat.Time
	return &h, nil
}

func scanAccessKey(row rowScanner) (*AccessKey, error) {
	var k AccessKey
	var expires sql.NullTime
	err := row.Scan(&k.ID, &k.KeyHash, &k.Kind, &k.HostID, &k.AccountID, &k.Name, &expires, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	k.ExpiresAt = expires.Time
	return &k, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
