package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
	"github.com/xkilldash9x/scalpel-audit/internal/reporting"
	"github.com/xkilldash9x/scalpel-audit/internal/results"
	"github.com/xkilldash9x/scalpel-audit/internal/store"
)

// resultStore is the slice of the findings store the CLI uses.
type resultStore interface {
	PersistFindings(ctx context.Context, envelope *schemas.ResultEnvelope) error
	GetFindingsByScanID(ctx context.Context, scanID string) ([]schemas.Finding, error)
}

// storeProvider opens the findings store. Tests inject a mock instead of a
// live database connection.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing its resources.
	Create(ctx context.Context, cfg config.Interface) (resultStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the provider backed by PostgreSQL.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (resultStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (%s_DATABASE_URL)", config.EnvPrefix)
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storeService, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	if err := storeService.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return storeService, cleanup, nil
}

// newReportCmd creates the `report` command, which re-renders a persisted scan.
func newReportCmd(deps dependencies) *cobra.Command {
	var scanID, outputPath, format string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a report for a persisted scan",
		Long: `Loads the findings of a scan from the database and writes them in the
requested format. Requires database.url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if format == "" {
				format = cfg.Report().Format
			}
			return runReport(ctx, observability.GetLogger(), cfg, deps.stores, scanID, outputPath, format, cmd.OutOrStdout())
		},
	}

	reportCmd.Flags().StringVar(&scanID, "scan-id", "", "The ID of the scan to generate a report for (required)")
	_ = reportCmd.MarkFlagRequired("scan-id")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	reportCmd.Flags().StringVarP(&format, "format", "f", "", "Report format: text, json or sarif (default from report.format)")
	return reportCmd
}

// runReport contains the testable core of the report command.
func runReport(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	provider storeProvider,
	scanID, outputPath, format string,
	stdout io.Writer,
) error {
	logger.Info("Starting report generation", zap.String("scan_id", scanID))

	storeService, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	findings, err := storeService.GetFindingsByScanID(ctx, scanID)
	if err != nil {
		return fmt.Errorf("failed to load findings for scan %s: %w", scanID, err)
	}

	envelope := &schemas.ResultEnvelope{
		ScanID:    scanID,
		Target:    reportTarget(findings),
		Timestamp: time.Now(),
		Findings:  findings,
	}
	return writeReport(logger, envelope, format, outputPath, stdout)
}

func reportTarget(findings []schemas.Finding) string {
	if len(findings) == 0 {
		return ""
	}
	return findings[0].Target
}

// writeReport enriches and orders envelope's findings, then renders it with
// the reporting package. An empty path writes to stdout.
func writeReport(logger *zap.Logger, envelope *schemas.ResultEnvelope, format, outputPath string, stdout io.Writer) error {
	counts := results.NewPipeline(nil, logger).Process(envelope)
	for severity, n := range counts {
		logger.Debug("Findings by severity", zap.String("severity", string(severity)), zap.Int("count", n))
	}

	var (
		reporter reporting.Reporter
		err      error
	)
	if outputPath == "" || outputPath == "stdout" {
		reporter, err = reporting.NewWithWriter(format, nopCloser{stdout}, Version)
	} else {
		reporter, err = reporting.New(format, outputPath, Version)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}

	if err := reporter.Write(envelope); err != nil {
		_ = reporter.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}

	if outputPath != "" && outputPath != "stdout" {
		logger.Info("Report written", zap.String("path", outputPath), zap.String("format", format))
	}
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
