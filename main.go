package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const (
	exitDone   = 0
	exitFailed = 1
	exitConfig = 2
)

type cliOptions struct {
	configPath  string
	envFile     string
	dryRun      bool
	debug       bool
	headless    bool
	metricsAddr string
	syncTime    bool

	flags *pflag.FlagSet
}

func parseFlags(args []string) (*cliOptions, error) {
	opts := &cliOptions{}
	fs := pflag.NewFlagSet("tatkal", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file with credentials and overrides")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Test mode: stop before the payment handoff")
	fs.BoolVar(&opts.debug, "debug", false, "Enable detailed debug logging")
	fs.BoolVar(&opts.headless, "headless", false, "Run the browser without a window")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	fs.BoolVar(&opts.syncTime, "sync-time", true, "Correct the local clock against HTTP Date headers before waiting")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.flags = fs
	return opts, nil
}

// apply lets flags given on the command line override file and environment.
func (o *cliOptions) apply(config *Config) {
	if o.flags.Changed("dry-run") {
		config.DryRun = o.dryRun
	}
	if o.flags.Changed("debug") {
		config.DebugMode = o.debug
	}
	if o.flags.Changed("headless") {
		config.Headless = o.headless
	}
	if o.flags.Changed("metrics-addr") {
		config.MetricsAddr = o.metricsAddr
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitDone
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	if err := InitLocale(); err != nil {
		log.Printf("Warning: Locale initialization failed, using default English: %v", err)
	}

	// Check for user data directory permission issues (after locale is loaded)
	checkUserDataDirPermissions()

	config, err := loadRunConfig(opts, time.Now())
	if err != nil {
		fmt.Printf(T("error_config")+"\n", err)
		return exitConfig
	}

	logDir := ""
	if config.SaveLogFiles {
		logDir = config.LogDir
	}
	logger, logPath, err := NewLogger(config.DebugMode, logDir)
	if err != nil {
		fmt.Printf(T("error_config")+"\n", err)
		return exitConfig
	}
	defer logger.Sync()
	if logPath != "" {
		fmt.Printf(T("log_file_path")+"\n", logPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := NewMetrics()
	metrics.Serve(ctx, config.MetricsAddr, logger)

	clock := NewTimeSync(config.TimeServers, logger)
	if opts.syncTime {
		fmt.Println(T("time_syncing"))
		if err := clock.Sync(ctx); err != nil {
			fmt.Printf(T("time_sync_failed")+"\n", err)
		} else {
			metrics.SetClockOffset(clock.GetOffset())
			fmt.Printf(T("time_synced")+"\n", clock.GetOffset())
		}
	}

	policy, err := config.TimingPolicy(clock.Now())
	if err != nil {
		fmt.Printf(T("error_config")+"\n", err)
		return exitConfig
	}

	printBanner(os.Stdout, config, policy)

	chain, err := NewCaptchaChain(ctx, config.Captcha, config.ScreenshotDir, clock, logger, metrics)
	if err != nil {
		fmt.Printf(T("error_config")+"\n", err)
		return exitConfig
	}
	defer chain.Close()

	automation := NewAutomation(config, logger)
	automation.OnClosed = cancel
	defer automation.Close()

	booker := &Booker{
		Config:  config,
		Policy:  policy,
		Driver:  automation,
		Captcha: chain,
		Clock:   clock,
		Logger:  logger,
		Metrics: metrics,
		Out:     os.Stdout,
	}
	session := booker.Run(ctx)
	printResult(os.Stdout, session)

	if session.State != StateDone {
		logger.Error("booking failed", zap.String("run", session.ID), zap.String("reason", session.FailureReason()))
		return exitFailed
	}

	// The traveller completes payment in this browser window.
	if config.KeepBrowserOpen && !config.DryRun && ctx.Err() == nil {
		fmt.Println(T("keep_browser_open"))
		waitForEnter(ctx, stdinLines)
	}
	return exitDone
}

// loadRunConfig layers defaults, the config file, .env, the environment and
// flags, then validates the result.
func loadRunConfig(opts *cliOptions, now time.Time) (*Config, error) {
	if err := LoadDotEnv(opts.envFile); err != nil {
		return nil, err
	}
	config, err := LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	opts.apply(config)
	if err := config.Validate(now); err != nil {
		return nil, err
	}
	return config, nil
}

func printBanner(w io.Writer, config *Config, policy TimingPolicy) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                IRCTC Tatkal Booking Assistant             ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintln(w, config.Summary())
	if !policy.LoginAt.IsZero() {
		fmt.Fprintf(w, T("banner_login_gate")+"\n", policy.LoginAt.Format(time.TimeOnly))
	}
	if !policy.BookNowAt.IsZero() {
		fmt.Fprintf(w, T("banner_book_now_gate")+"\n", policy.BookNowAt.Format(time.TimeOnly), policy.BookNowRetry, policy.BookNowBudget)
	}
	fmt.Fprintf(w, "Browser Profile: %s\n", config.BrowserProfilePath)
	if config.DryRun {
		fmt.Fprintln(w, T("dry_run_mode"))
	}
	if config.DebugMode {
		fmt.Fprintln(w, T("debug_mode"))
	}
	fmt.Fprintln(w)
}

func printResult(w io.Writer, s *BookingSession) {
	fmt.Fprintln(w)
	if s.State == StateDone {
		fmt.Fprintln(w, T("result_done"))
	} else {
		fmt.Fprintf(w, T("result_failed")+"\n", s.FailureReason())
		if s.Err != nil {
			fmt.Fprintf(w, "   %v\n", s.Err)
		}
	}
	if s.Allocation.Text != "" {
		fmt.Fprintf(w, T("result_allocation")+"\n", s.Allocation.Text, s.Allocation.Status)
	}
	if s.Handoff.PNR != "" {
		fmt.Fprintf(w, T("result_pnr")+"\n", s.Handoff.PNR, s.Handoff.BookingStatus)
	}
	if s.Notice != nil {
		fmt.Fprintf(w, T("result_notice")+"\n", s.Notice)
	}
}

// waitForEnter returns on the next line of input, at end of input or when ctx
// is done.
func waitForEnter(ctx context.Context, lines *lineReader) {
	lines.ReadLine(ctx)
}

// Store init error for later display (after locale is loaded)
var initUserDataDirError error

func init() {
	userDataDir := getUserDataDir()
	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		initUserDataDirError = err
	}
}

func checkUserDataDirPermissions() {
	if initUserDataDirError != nil {
		userDataDir := getUserDataDir()
		if runtime.GOOS == "darwin" && strings.Contains(initUserDataDirError.Error(), "operation not permitted") {
			fmt.Println(T("error_macos_permission_header"))
			fmt.Printf(T("error_macos_permission_location"), userDataDir)
			fmt.Println(T("error_macos_permission_fix_instructions"))
			fmt.Println(T("error_macos_permission_step1"))
			fmt.Println(T("error_macos_permission_step2"))
			fmt.Println(T("error_macos_permission_step3"))
			fmt.Println(T("error_macos_permission_step4"))
			fmt.Println(T("error_macos_permission_alternative"))
			fmt.Println()
		}
		log.Printf(T("error_macos_user_data_dir_warning"), initUserDataDirError)
	}
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./tatkal-data"
	}
	return filepath.Join(home, ".tatkal")
}
