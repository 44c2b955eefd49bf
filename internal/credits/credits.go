// Package credits records host uptime so it can be settled later.
package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inferhub/inferhub/internal/store"
)

// KindUptime is the ledger kind written for host uptime.
const KindUptime = "uptime"

// Settler awards credit for the time a host spent online.
type Settler interface {
	AwardPartialUptimeCredits(ctx context.Context, hostID, accountID string) error
}

// Ledger is a Settler that appends uptime entries to the store. It applies
// no pricing; a separate billing process turns entries into credit.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// NewLedger creates a Ledger backed by s.
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// AwardPartialUptimeCredits records the seconds since the host's last
// start as persisted in the store. Unknown hosts, hosts with no start time
// and hosts with no elapsed time are skipped.
func (l *Ledger) AwardPartialUptimeCredits(ctx context.Context, hostID, accountID string) error {
	host, err := l.store.GetHost(ctx, hostID)
	if err != nil {
		return fmt.Errorf("get host: %w", err)
	}
	if host == nil || host.DateStarted.IsZero() {
		return nil
	}
	if accountID == "" {
		accountID = host.AccountID
	}
	secs := int64(l.now().Sub(host.DateStarted) / time.Second)
	if secs <= 0 {
		return nil
	}
	err = l.store.AppendCreditEntry(ctx, &store.CreditEntry{
		ID:        uuid.New().String(),
		HostID:    hostID,
		AccountID: accountID,
		Kind:      KindUptime,
		Seconds:   secs,
	})
	if err != nil {
		return fmt.Errorf("append uptime entry: %w", err)
	}
	return nil
}
