package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/engine"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// scanOptions collects the scan command's flags.
type scanOptions struct {
	URL         string
	Method      string
	Data        string
	Headers     []string
	Params      []string
	Plugins     []string
	Options     []string
	Output      string
	Format      string
	Concurrency int
	Rate        float64
}

// newScanCmd creates and configures the `scan` command.
func newScanCmd(deps dependencies) *cobra.Command {
	opts := &scanOptions{}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Audit a single request against the target",
		Example: `  scalpel-audit scan --url 'http://app.test/search?q=x'
  scalpel-audit scan --url http://app.test/login --data 'user=a&pass=b' --param user -f sarif -o out.sarif
  scalpel-audit scan --url 'http://app.test/run?code=1' --plugins eval --option eval.use_echo=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := applyScanFlagOverrides(cmd.Flags(), cfg, opts); err != nil {
				return err
			}
			return runScan(ctx, observability.GetLogger(), cfg, deps.stores, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := scanCmd.Flags()
	f.StringVarP(&opts.URL, "url", "u", "", "Target URL, including any query string (required)")
	_ = scanCmd.MarkFlagRequired("url")
	f.StringVarP(&opts.Method, "method", "X", "", "HTTP method (default GET, or POST when --data is set)")
	f.StringVarP(&opts.Data, "data", "d", "", "URL-encoded form body, e.g. 'a=1&b=2'")
	f.StringArrayVarP(&opts.Headers, "header", "H", nil, "Extra request header 'Name: value' (repeatable)")
	f.StringSliceVarP(&opts.Params, "param", "p", nil, "Only inject into these parameters; use name#N for the Nth of a repeated name (default: all)")
	f.StringSliceVar(&opts.Plugins, "plugins", nil, "Plugins to run (default: plugins.enabled, or all)")
	f.StringArrayVar(&opts.Options, "option", nil, "Plugin option as plugin.name=value (repeatable)")
	f.StringVarP(&opts.Output, "output", "o", "", "Report output path (default: report.output, or stdout)")
	f.StringVarP(&opts.Format, "format", "f", "", "Report format: text, json or sarif (default: report.format)")
	f.IntVarP(&opts.Concurrency, "concurrency", "j", 0, "Concurrent requests per batch (overrides engine.concurrency)")
	f.Float64Var(&opts.Rate, "rate", 0, "Maximum requests per second (overrides engine.rate_limit)")
	return scanCmd
}

// applyScanFlagOverrides copies explicitly set flags into cfg and revalidates it.
func applyScanFlagOverrides(flags *pflag.FlagSet, cfg *config.Config, opts *scanOptions) error {
	if flags.Changed("concurrency") {
		cfg.EngineCfg.Concurrency = opts.Concurrency
	}
	if flags.Changed("rate") {
		cfg.EngineCfg.RateLimit = opts.Rate
	}
	if flags.Changed("output") {
		cfg.ReportCfg.Output = opts.Output
	}
	if flags.Changed("format") {
		cfg.ReportCfg.Format = opts.Format
	}

	pluginOptions, err := parsePluginOptions(opts.Options)
	if err != nil {
		return err
	}
	if len(pluginOptions) > 0 && cfg.PluginsCfg.Options == nil {
		cfg.PluginsCfg.Options = make(map[string]map[string]string)
	}
	for plugin, values := range pluginOptions {
		if cfg.PluginsCfg.Options[plugin] == nil {
			cfg.PluginsCfg.Options[plugin] = make(map[string]string)
		}
		for name, value := range values {
			cfg.PluginsCfg.Options[plugin][name] = value
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid scan flags: %w", err)
	}
	return nil
}

// parsePluginOptions parses plugin.name=value pairs.
func parsePluginOptions(raw []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	for _, item := range raw {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --option %q: want plugin.name=value", item)
		}
		plugin, name, ok := strings.Cut(strings.TrimSpace(key), ".")
		if !ok || plugin == "" || name == "" {
			return nil, fmt.Errorf("invalid --option %q: want plugin.name=value", item)
		}
		if out[plugin] == nil {
			out[plugin] = make(map[string]string)
		}
		out[plugin][name] = value
	}
	return out, nil
}

// buildTarget turns the scan flags into an engine target.
func buildTarget(opts *scanOptions) (engine.Target, error) {
	if opts.URL == "" {
		return engine.Target{}, errors.New("--url is required")
	}

	methodName := opts.Method
	if methodName == "" {
		methodName = http.MethodGet
		if opts.Data != "" {
			methodName = http.MethodPost
		}
	}
	method, err := schemas.ParseMethod(methodName)
	if err != nil {
		return engine.Target{}, err
	}

	headers := make(http.Header)
	for _, h := range opts.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return engine.Target{}, fmt.Errorf("invalid --header %q: want 'Name: value'", h)
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return engine.Target{
		Method:  method,
		URL:     opts.URL,
		Body:    opts.Data,
		Headers: headers,
		Points:  opts.Params,
	}, nil
}

// runScan contains the testable core of the scan command.
func runScan(
	ctx context.Context,
	logger *zap.Logger,
	cfg *config.Config,
	provider storeProvider,
	opts *scanOptions,
	stdout, stderr io.Writer,
) error {
	target, err := buildTarget(opts)
	if err != nil {
		return err
	}

	var engineOpts []engine.Option

	if listen := cfg.Metrics().Listen; listen != "" {
		metrics := observability.NewMetrics(cfg.Metrics().Namespace)
		engineOpts = append(engineOpts, engine.WithMetrics(metrics))

		metricsCtx, stopMetrics := context.WithCancel(ctx)
		served := make(chan error, 1)
		go func() { served <- metrics.Serve(metricsCtx, listen, logger) }()
		defer func() {
			stopMetrics()
			if err := <-served; err != nil {
				logger.Warn("Metrics endpoint stopped with error", zap.Error(err))
			}
		}()
	}

	if cfg.Database().URL != "" {
		st, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		if cleanup != nil {
			defer cleanup()
		}
		engineOpts = append(engineOpts, engine.WithStore(st))
	}

	eng, err := engine.New(cfg, logger, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer eng.Close()

	envelope, scanErr := eng.Scan(ctx, target, opts.Plugins)
	if envelope == nil {
		if errors.Is(scanErr, context.Canceled) {
			return fmt.Errorf("scan aborted: %w", scanErr)
		}
		return fmt.Errorf("scan failed: %w", scanErr)
	}
	if scanErr != nil {
		logger.Error("Scan completed with errors", zap.Error(scanErr))
	}

	if err := writeReport(logger, envelope, cfg.Report().Format, cfg.Report().Output, stdout); err != nil {
		return err
	}

	fmt.Fprintf(stderr, "Scan complete. Scan ID: %s (%d findings, %d requests)\n",
		envelope.ScanID, len(envelope.Findings), envelope.Requests)
	if ctx.Err() != nil {
		return fmt.Errorf("scan aborted: %w", ctx.Err())
	}
	return scanErr
}
