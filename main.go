package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var Version = "dev"

const (
	defaultConfigFile  = "config.yaml"
	workerStaggerDelay = 250 * time.Millisecond
)

var errRetrievalFailed = errors.New("one or more retrievals failed")

type rootFlags struct {
	configPath string
	logFile    string
	staging    bool
	workers    int
	printXML   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "nfce <receipt-key>...",
		Short: "Download NFC-e XML documents from the SVRS DF-e portal",
		Long: `Downloads the authorized XML of each NFC-e access key, authenticating
with the PKCS#12 client certificate and solving the portal's reCAPTCHA
through the configured provider. Documents are saved as {key}-teste.xml.`,
		Version:       Version,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd.Context(), flags, args)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (default config.yaml when present)")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "nfce.log", "Log file, appended to")
	cmd.Flags().BoolVar(&flags.staging, "staging", false, "Query the homologation environment")
	cmd.Flags().IntVarP(&flags.workers, "workers", "w", 0, "Concurrent retrievals (overrides config)")
	cmd.Flags().BoolVar(&flags.printXML, "print", false, "Also write retrieved XML to stdout")

	cmd.AddCommand(providersCmd())
	cmd.AddCommand(checkCmd())
	cmd.AddCommand(identityCmd(flags))

	return cmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// parseKeys validates every argument and reports all invalid ones together.
func parseKeys(args []string) ([]ReceiptKey, error) {
	keys := make([]ReceiptKey, 0, len(args))
	var errs []error
	for _, arg := range args {
		k, err := ParseReceiptKey(arg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", arg, err))
			continue
		}
		keys = append(keys, k)
	}
	return keys, errors.Join(errs...)
}

// buildStore returns the local file store, fanned out to S3 when a bucket is set.
func buildStore(ctx context.Context, cfg Config) (XMLStore, error) {
	local := FileStore{Dir: cfg.OutputDir}
	if !cfg.S3.Enabled() {
		return local, nil
	}
	archive, err := NewS3Store(ctx, cfg.S3, nil)
	if err != nil {
		return nil, err
	}
	return MultiStore{local, archive}, nil
}

func runDownload(ctx context.Context, flags *rootFlags, args []string) error {
	keys, err := parseKeys(args)
	if err != nil {
		return err
	}

	cfg, err := LoadConfig(resolveConfigPath(flags.configPath))
	if err != nil {
		return err
	}
	if flags.staging {
		cfg.Production = false
	}
	if flags.workers > 0 {
		cfg.Workers = flags.workers
	}

	logger, logFile, err := NewFileLogger(flags.logFile)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	solver, err := NewCaptchaSolverByName(cfg.CaptchaEngine, cfg.CaptchaAPIKey,
		WithPollPolicy(cfg.PollPolicy()),
		WithSolverLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	rootCAs, err := cfg.RootCAs()
	if err != nil {
		return err
	}
	proxies, err := cfg.Proxies()
	if err != nil {
		return err
	}
	if proxies.Count() > 0 {
		logger.Log("Loaded %d proxies", proxies.Count())
	}

	downloader := NewDownloader(cfg.DownloaderConfig(rootCAs), solver, store, logger)
	scheduler := NewScheduler(downloader, SchedulerOptions{
		Workers:      min(cfg.Workers, len(keys)),
		StaggerDelay: workerStaggerDelay,
		Attempts:     cfg.RetrievalAttempts,
		RetryDelay:   cfg.RetryDelay,
		Environment:  cfg.Environment(),
		Site:         cfg.Site(),
		Proxies:      proxies,
	}, logger)

	return run(ctx, scheduler, keys, logger, flags.printXML)
}

func run(ctx context.Context, scheduler *Scheduler, keys []ReceiptKey, logger Logger, printXML bool) error {
	logger.Log("Starting %d worker(s) for %d key(s)...", scheduler.WorkerCount(), len(keys))
	scheduler.Start(ctx)

	go func() {
		defer scheduler.CloseInput()
		for _, k := range keys {
			if !scheduler.Submit(k) {
				return
			}
		}
	}()

	var (
		successCount int
		failed       []string
		fatalErr     error
	)
	for result := range scheduler.Results() {
		switch {
		case result.Fatal:
			fatalErr = fatalCause(result)
			failed = append(failed, result.Key.Raw)
		case result.Success():
			successCount++
			logger.Log("[%d/%d] SUCCESS: %s -> %s", successCount, len(keys), result.Key, result.Result.Location)
			if printXML {
				fmt.Println(result.Result.XML)
			}
		case result.Err != nil:
			failed = append(failed, result.Key.Raw)
			logger.Log("FAILED: %s: %v", result.Key, result.Err)
		default:
			failed = append(failed, result.Key.Raw)
			logger.Log("FAILED: %s after %d attempt(s): %s", result.Key, result.Attempts, result.Result)
		}
	}

	if fatalErr != nil {
		logger.Log("=== ABORTED: %d/%d retrieved (fatal error: %v) ===", successCount, len(keys), fatalErr)
		return fatalErr
	}
	if ctx.Err() != nil {
		logger.Log("=== INTERRUPTED: %d/%d retrieved ===", successCount, len(keys))
		return ctx.Err()
	}

	logger.Log("=== Complete: %d/%d retrieved ===", successCount, len(keys))
	if successCount < len(keys) {
		return fmt.Errorf("%w: %s", errRetrievalFailed, strings.Join(failed, ", "))
	}
	return nil
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List supported captcha providers and their task types",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			for _, name := range CaptchaProviderNames() {
				p, _ := LookupCaptchaProvider(name)
				fmt.Fprintf(out, "%s\n", p.Name)
				for _, kind := range []ChallengeKind{Recaptcha, HCaptcha, Turnstile} {
					if t, err := p.TaskType(kind); err == nil {
						fmt.Fprintf(out, "  %-10s %s\n", kind, t)
					}
				}
			}
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <receipt-key>...",
		Short: "Validate access keys and show their fields",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var errs []error
			for _, arg := range args {
				k, err := ParseReceiptKey(arg)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", arg, err)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(out, "%s: uf=%s aamm=%s cnpj=%s model=%s series=%s number=%s\n",
					k.Raw, k.UF, k.YearMonth, k.CNPJ, k.Model, k.Series, k.Number)
			}
			return errors.Join(errs...)
		},
	}
}

func identityCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Load the configured client certificate and show its details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(resolveConfigPath(flags.configPath))
			if err != nil {
				return err
			}
			if cfg.CertPath == "" {
				return fmt.Errorf("%w: cert_pfx_path is not set", ErrInvalidConfig)
			}
			loader := &IdentityLoader{TempDir: cfg.TempDir}
			id, err := loader.Load(cfg.CertPath, cfg.CertPassword)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Subject:     %s\n", id.Leaf().Subject)
			fmt.Fprintf(out, "Issuer:      %s\n", id.Leaf().Issuer)
			fmt.Fprintf(out, "Not after:   %s\n", id.NotAfter().Format(time.RFC3339))
			fmt.Fprintf(out, "Chain:       %d certificate(s)\n", len(id.Chain()))
			fmt.Fprintf(out, "Fingerprint: %s\n", id.Fingerprint())
			return nil
		},
	}
}
