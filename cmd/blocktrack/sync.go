package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/daemon"
	"github.com/prodline/blocktrack/internal/store/sqlite"
	"github.com/prodline/blocktrack/internal/syncer"
	"github.com/prodline/blocktrack/internal/tracker"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle with the remote peer",
	Long: `Send pending local changes to the peer configured in sync.remote_url,
merge what it returns, and settle what was sent. A failed cycle leaves
every change pending for the next attempt.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, d, err := openDaemon()
		if err != nil {
			return err
		}
		defer st.Close()

		status, err := d.SyncNow(cmd.Context())
		p := printer(cmd)
		if err != nil {
			p.DaemonStatus(status)
			return err
		}
		p.Cycle(status.LastResult)
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync periodically and import files dropped into the inbox",
	Long: `Run sync cycles every sync.interval, backing off up to sync.backoff_max
while the peer is unreachable. When inbox.dir is set, record files dropped
there are imported as the acting operator.

Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, st, d, err := openDaemon()
		if err != nil {
			return err
		}
		defer st.Close()

		var inbox *daemon.Inbox
		if cfg.Inbox.Dir != "" {
			operator, err := actingOperator()
			if err != nil {
				return fmt.Errorf("the inbox needs an operator: %w", err)
			}
			inbox, err = daemon.NewInbox(tr, daemon.InboxConfig{
				Dir:      cfg.Inbox.Dir,
				Operator: operator,
				Debounce: cfg.Inbox.Debounce,
				Logger:   logger.Named("inbox"),
			})
			if err != nil {
				return err
			}
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		p := printer(cmd)
		p.Println(fmt.Sprintf("Syncing with %s every %s", cfg.Sync.RemoteURL, cfg.Sync.Interval))
		if inbox != nil {
			p.Println("Watching inbox", cfg.Inbox.Dir)
		}
		p.Println("Press Ctrl+C to stop...")

		err = d.Run(ctx, inbox)
		p.DaemonStatus(d.Status())
		return err
	},
}

var checkCmd = &cobra.Command{
	Use:     "check",
	GroupID: "maint",
	Short:   "Check the local database for integrity violations",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		_, st, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := st.CheckConsistency(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			p := printer(cmd)
			p.Println(fmt.Sprintf("Blocks: %d  Operations: %d  Pending deletions: %d",
				report.Blocks, report.Operations, report.Tombstones))
			for _, id := range report.OrphanOperations {
				p.Warnf("operation %s has no block", id)
			}
			for _, id := range report.ShadowedRows {
				p.Warnf("row %s is both live and deleted", id)
			}
			for _, n := range report.DuplicateBlockNumbers {
				p.Warnf("block number %s is used more than once", n)
			}
			if report.OK() {
				p.Successf("No problems found")
			}
		}
		if !report.OK() {
			return errors.New("database is inconsistent")
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(syncCmd, daemonCmd, checkCmd)
}

// openDaemon opens the local store and builds a scheduler around a sync
// engine pointed at sync.remote_url.
func openDaemon() (*tracker.Tracker, *sqlite.Store, *daemon.Daemon, error) {
	if cfg.Sync.RemoteURL == "" {
		return nil, nil, nil, errors.New("sync.remote_url is not configured")
	}
	tr, st, err := openLocal()
	if err != nil {
		return nil, nil, nil, err
	}

	transport := syncer.NewHTTPTransport(cfg.Sync.RemoteURL,
		syncer.WithToken(cfg.Sync.Token),
		syncer.WithTimeout(cfg.Sync.Timeout),
	)
	engine := syncer.New(st, transport,
		syncer.WithLogger(logger.Named("syncer")),
		syncer.WithCursorOverlap(cfg.Sync.CursorOverlap),
	)
	d, err := daemon.New(engine, &daemon.Config{
		Interval:   cfg.Sync.Interval,
		BackoffMax: cfg.Sync.BackoffMax,
		Logger:     logger.Named("daemon"),
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}
	logger.Debug("sync configured", zap.String("endpoint", transport.Endpoint()))
	return tr, st, d, nil
}
