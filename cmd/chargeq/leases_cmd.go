package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"pkt.systems/chargeq"
	"pkt.systems/chargeq/internal/lease"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func parseOutputMode(raw string) (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case outputText, outputJSON:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid --output %q (expected text or json)", raw)
	}
}

// openAdminStore opens the configured store without requiring a bot token.
func openAdminStore(ctx context.Context, logger pslog.Logger) (lease.Store, chargeq.Config, error) {
	var cfg chargeq.Config
	if _, err := loadConfigFile(); err != nil {
		return nil, cfg, err
	}
	bindStoreConfig(&cfg)
	if err := cfg.ValidateStore(); err != nil {
		return nil, cfg, err
	}
	store, err := chargeq.OpenStore(ctx, cfg, applyLogLevel(logger), nil)
	if err != nil {
		return nil, cfg, err
	}
	return store, cfg, nil
}

type leaseView struct {
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	OwnerID       string    `json:"owner_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Age           string    `json:"age"`
	Stale         bool      `json:"stale"`
}

type taskView struct {
	TaskName  string    `json:"task_name"`
	LockID    string    `json:"lock_id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Expired   bool      `json:"expired"`
}

type leasesView struct {
	Leases     []leaseView `json:"leases"`
	TaskLeases []taskView  `json:"task_leases"`
}

func buildLeasesView(snap lease.Snapshot, now time.Time, timeout time.Duration) leasesView {
	view := leasesView{Leases: []leaseView{}, TaskLeases: []taskView{}}
	for _, l := range snap.Leases {
		view.Leases = append(view.Leases, leaseView{
			Name:          l.Name,
			Kind:          string(l.Kind),
			OwnerID:       l.OwnerID,
			CreatedAt:     l.CreatedAt,
			LastHeartbeat: l.LastHeartbeat,
			Age:           humanize.RelTime(l.LastHeartbeat, now, "ago", "from now"),
			Stale:         l.Stale(now, timeout),
		})
	}
	for _, t := range snap.TaskLeases {
		view.TaskLeases = append(view.TaskLeases, taskView{
			TaskName:  t.TaskName,
			LockID:    t.LockID,
			OwnerID:   t.OwnerID,
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt,
			Expired:   t.Expired(now),
		})
	}
	return view
}

func writeLeasesText(out io.Writer, view leasesView, now time.Time) error {
	if len(view.Leases) == 0 && len(view.TaskLeases) == 0 {
		_, err := fmt.Fprintln(out, "no leases")
		return err
	}
	for _, l := range view.Leases {
		if _, err := fmt.Fprintf(out, "lease=%s kind=%s owner=%s heartbeat=%q stale=%t\n", l.Name, l.Kind, l.OwnerID, l.Age, l.Stale); err != nil {
			return err
		}
	}
	for _, t := range view.TaskLeases {
		expires := humanize.RelTime(t.ExpiresAt, now, "ago", "from now")
		if _, err := fmt.Fprintf(out, "task=%s owner=%s lock=%s expires=%q expired=%t\n", t.TaskName, t.OwnerID, t.LockID, expires, t.Expired); err != nil {
			return err
		}
	}
	return nil
}

func newLeasesCommand(logger pslog.Logger) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "List role leases and task leases in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, cfg, err := openAdminStore(ctx, logger)
			if err != nil {
				return err
			}
			defer store.Close(context.WithoutCancel(ctx))

			snap, err := chargeq.ListLeases(ctx, store)
			if err != nil {
				return err
			}
			now := time.Now()
			view := buildLeasesView(snap, now, cfg.LeaseTimeout)
			if mode == outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			return writeLeasesText(cmd.OutOrStdout(), view, now)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newReleaseCommand(logger pslog.Logger) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Delete the leases and task leases held by a crashed instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			store, _, err := openAdminStore(ctx, logger)
			if err != nil {
				return err
			}
			defer store.Close(context.WithoutCancel(ctx))

			res, err := chargeq.ReleaseOwner(ctx, store, owner)
			if err != nil {
				return err
			}
			released := "none"
			if len(res.Leases) > 0 {
				released = strings.Join(res.Leases, ",")
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "owner=%s leases=%s task_leases=%d\n", strings.TrimSpace(owner), released, res.TaskLeases)
			return err
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id of the instance to release (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
