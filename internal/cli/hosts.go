package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/pkg/cli"
)

func newHostsCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List registered hosts and their connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			hosts, err := s.ListHosts(cmd.Context(), account)
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				cmd.Println("No hosts registered.")
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hostTable(hosts, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "only list hosts of this account")
	return cmd
}

func hostTable(hosts []store.Host, now time.Time) string {
	rows := make([][]string, 0, len(hosts))
	for _, h := range hosts {
		status := h.Status
		if status == store.HostOnline {
			status = cli.Good.Render(status)
		}
		addr := h.Address
		if addr != "" && h.Port > 0 {
			addr += ":" + strconv.Itoa(h.Port)
		}
		rows = append(rows, []string{
			h.ID, h.Name, h.AccountID, status, addr, h.AppVersion, h.ConnectedOrchestrator,
			since(h.DateLastHeartbeat, now),
		})
	}
	return cli.Table([]string{"ID", "NAME", "ACCOUNT", "STATUS", "ADDRESS", "VERSION", "ORCHESTRATOR", "LAST HEARTBEAT"}, rows)
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}
