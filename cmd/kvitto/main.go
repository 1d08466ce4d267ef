// kvitto manages the lifecycle of receipt blobs: upload, deletion, and the
// periodic reachability audit that reconciles local metadata with the remote
// blob store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kvitto/internal/audit"
	"kvitto/internal/auth"
	"kvitto/internal/blob"
	"kvitto/internal/receipts"
	"kvitto/internal/store"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

const connectionEnv = "KVITTO_STORAGE_CONNECTION"

var (
	flagConn      string
	flagDBPath    string
	flagContainer string
	flagLogLevel  string
)

// app bundles the wired-up components shared by every subcommand.
type app struct {
	store   *store.Store
	blobs   *blob.Client
	service *receipts.Service
}

func setup(ctx context.Context) (*app, error) {
	conn := flagConn
	if conn == "" {
		conn = os.Getenv(connectionEnv)
	}
	if conn == "" {
		return nil, fmt.Errorf("no connection string: pass --conn or set %s", connectionEnv)
	}

	cfg, err := auth.ParseConnectionString(conn)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, flagDBPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	blobs := blob.NewClient(cfg)
	return &app{
		store:   st,
		blobs:   blobs,
		service: receipts.NewService(blobs, st, flagContainer),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Error("Failed to close metadata store", "err", err)
	}
}

func setupLogging() error {
	level, err := log.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kvitto",
		Short:         "Receipt blob lifecycle: upload, delete, audit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}

	root.PersistentFlags().StringVar(&flagConn, "conn", "", "storage connection string (default $"+connectionEnv+")")
	root.PersistentFlags().StringVar(&flagDBPath, "db", "./kvitto.sqlite", "path to the metadata database")
	root.PersistentFlags().StringVar(&flagContainer, "container", "receipts", "blob container name")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newUploadCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newAuditCmd())
	return root
}

func newUploadCmd() *cobra.Command {
	var (
		filePath    string
		ownerID     string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a receipt file to the blob store",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("read %s: %w", filePath, err)
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.service.Upload(cmd.Context(), receipts.UploadInput{
				Data:     data,
				FileName: filePath,
				MimeType: contentType,
				OwnerID:  ownerID,
			})
			if err != nil {
				return err
			}

			fmt.Printf("uploaded %s\nid: %s\nurl: %s\n", filePath, result.ID, result.BlobURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&filePath, "file", "", "file to upload")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type of the payload")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var (
		ownerID   string
		objectID  string
		deleteAll bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one receipt or every receipt of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (objectID == "") == !deleteAll {
				return errors.New("pass exactly one of --id or --all")
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var report *receipts.DeletionReport
			if deleteAll {
				report, err = a.service.DeleteAll(cmd.Context(), ownerID)
			} else {
				report, err = a.service.DeleteOne(cmd.Context(), ownerID, objectID)
			}
			if err != nil {
				return err
			}

			fmt.Printf("deleted: %d, failed: %d\n", report.SuccessCount, report.FailureCount)
			for _, outcome := range report.Outcomes {
				if !outcome.Success {
					fmt.Printf("  %s: %v\n", outcome.ObjectID, outcome.Err)
				}
			}
			if report.FailureCount > 0 {
				return fmt.Errorf("%d of %d deletions failed", report.FailureCount, len(report.Outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&objectID, "id", "", "receipt id to delete")
	cmd.Flags().BoolVar(&deleteAll, "all", false, "delete every receipt of the owner")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var (
		ownerID        string
		stalenessHours int
		interval       time.Duration
		batchSize      int
		concurrency    int64
		headTimeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Validate blob reachability and purge unreachable records",
		Long: strings.TrimSpace(`
Validate blob reachability and purge unreachable records.

Runs once and exits by default. With --interval the audit repeats on a fixed
schedule until interrupted; both modes share the same audit path and differ
only in the recorded cleanup type.`),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			engine := audit.NewEngine(a.blobs, concurrency, headTimeout)
			orch := audit.NewOrchestrator(a.store, engine, audit.WithBatchSize(batchSize))

			params := audit.Params{
				OwnerID:         ownerID,
				CleanupType:     store.CleanupManual,
				StalenessWindow: time.Duration(stalenessHours) * time.Hour,
			}

			if interval <= 0 {
				return runAuditOnce(cmd.Context(), orch, params)
			}

			params.CleanupType = store.CleanupScheduled
			return runAuditLoop(cmd.Context(), orch, params, interval)
		},
	}

	cmd.Flags().StringVar(&ownerID, "owner", "", "restrict the audit to one owner")
	cmd.Flags().IntVar(&stalenessHours, "staleness-hours", 24, "minimum age of a validation timestamp before re-checking")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the audit on this interval (0 = run once)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10, "records validated per batch")
	cmd.Flags().Int64Var(&concurrency, "concurrency", 5, "concurrent HEAD checks per batch")
	cmd.Flags().DurationVar(&headTimeout, "head-timeout", 10*time.Second, "timeout per HEAD check")
	return cmd
}

func runAuditOnce(ctx context.Context, orch *audit.Orchestrator, params audit.Params) error {
	report, err := orch.Run(ctx, params)
	if err != nil {
		return err
	}
	fmt.Printf("audit %s: checked %d, removed %d\n", report.AuditRunID, report.FilesChecked, report.FilesRemoved)
	return nil
}

func runAuditLoop(ctx context.Context, orch *audit.Orchestrator, params audit.Params, interval time.Duration) error {
	slog.Info("Starting scheduled audit loop", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := orch.Run(ctx, params); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			// A failed run is logged and the loop keeps going; the next run
			// picks up whatever the failed one left behind.
			slog.Error("Audit run failed", "err", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("Audit loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("kvitto exited with error", "error", err)
		os.Exit(1)
	}
}
