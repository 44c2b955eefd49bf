package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/inferhub/inferhub/internal/config"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/pkg/cli"
)

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage host and app access keys",
	}
	keys.AddCommand(newKeysCreateCmd())
	return keys
}

func newKeysCreateCmd() *cobra.Command {
	var (
		kind, account, hostID, name string
		ttl                         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an access key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch kind {
			case store.KeyKindHost, store.KeyKindApp:
			default:
				return fmt.Errorf("--kind must be %q or %q", store.KeyKindHost, store.KeyKindApp)
			}
			if account == "" {
				return fmt.Errorf("--account is required")
			}
			if hostID != "" && kind != store.KeyKindHost {
				return fmt.Errorf("--host only applies to host keys")
			}

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			raw, err := config.GenerateRandomSecret()
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			key := &store.AccessKey{
				ID:        uuid.New().String(),
				KeyHash:   store.HashKey(raw),
				Kind:      kind,
				HostID:    hostID,
				AccountID: account,
				Name:      name,
				CreatedAt: now,
			}
			if ttl > 0 {
				key.ExpiresAt = now.Add(ttl)
			}
			if err := s.CreateAccessKey(cmd.Context(), key); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, cli.Good.Render("Created "+kind+" key "+key.ID))
			_, _ = fmt.Fprintln(out, raw)
			_, _ = fmt.Fprintln(out, cli.Muted.Render("Store it now, it cannot be shown again."))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", store.KeyKindApp, "key kind: host or app")
	cmd.Flags().StringVar(&account, "account", "", "account the key belongs to")
	cmd.Flags().StringVar(&hostID, "host", "", "restrict a host key to one host id")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the key after this long (0 = never)")
	return cmd
}

// openStore opens the store named by the config file.
func openStore(cmd *cobra.Command) (store.Store, error) {
	cfg, err := config.Load(resolveConfigPath(cmd, nil))
	if err != nil {
		return nil, err
	}
	s, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return s, nil
}
