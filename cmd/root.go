package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/securhealth/report-uploader/cmd/compressors"
	"github.com/securhealth/report-uploader/cmd/delivery"
	"github.com/securhealth/report-uploader/cmd/formatters"
	"github.com/securhealth/report-uploader/cmd/logsink"
	"github.com/securhealth/report-uploader/cmd/pipeline"
	"github.com/securhealth/report-uploader/cmd/source"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/securhealth/report-uploader/cmd.Version=1.2.3"
	Version = "dev"

	// ErrInterrupted is returned when a run is cancelled by SIGINT/SIGTERM.
	ErrInterrupted = errors.New("interrupted")

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger     *slog.Logger
	dispatcher *logsink.Dispatcher
)

// SetSignalContext stores the signal-aware context created in main()
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage. The
// logger name and error attribute are kept since they say where and why.
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
	name   string
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL [logger] message: error
	timestamp := r.Time.Format("2006-01-02 15:04:05")

	var line strings.Builder
	line.WriteString(timestamp + " " + r.Level.String() + " ")
	if h.name != "" {
		line.WriteString("[" + h.name + "] ")
	}
	line.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == logsink.ErrorKey {
			line.WriteString(": " + a.Value.String())
			return false
		}
		return true
	})
	line.WriteString("\n")

	_, err := io.WriteString(h.writer, line.String())
	return err
}

func (h *textOnlyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	for _, a := range attrs {
		if a.Key == logsink.LoggerKey {
			clone.name = a.Value.String()
		}
	}
	return &clone
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newConsoleHandler builds the stdout handler for the chosen log format
func newConsoleHandler(w io.Writer, isDebug bool, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		return slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		return newTextOnlyHandler(w, opts)
	}
}

// initLogger installs the process logger: console output wrapped by the
// dispatcher that feeds the configured log sinks. Only the first call takes
// effect.
func initLogger(config *Config) {
	sinks, err := buildSinks(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log sinks disabled: %v\n", err)
		sinks = nil
	}

	logger, dispatcher = logsink.EnsureInitialized(logsink.Options{
		Console:  newConsoleHandler(os.Stdout, config.Debug, config.LogFormat),
		Fallback: os.Stderr,
		Sinks:    sinks,
	})
}

func buildSinks(config *Config) ([]logsink.Registration, error) {
	var sinks []logsink.Registration

	if sqlCfg := config.LogSinks.SQL; sqlCfg.Enabled {
		driver, err := sqlCfg.Database.DriverName()
		if err != nil {
			return nil, err
		}
		sink := logsink.NewSQLSink(logsink.SQLConfig{
			Driver:             driver,
			DSN:                sqlCfg.Database.DSN(),
			Table:              sqlCfg.Table,
			MaxConnectAttempts: sqlCfg.MaxConnectAttempts,
		}, os.Stderr)
		sinks = append(sinks, logsink.Registration{Sink: sink, Level: parseLevel(sqlCfg.Level, slog.LevelInfo)})
	}

	if smtpCfg := config.LogSinks.SMTP; smtpCfg.Enabled {
		sinks = append(sinks, logsink.Registration{
			Sink:  logsink.NewSMTPSink(smtpCfg.Mail),
			Level: parseLevel(smtpCfg.Level, slog.LevelError),
		})
	}

	if kafkaCfg := config.LogSinks.Kafka; kafkaCfg.Enabled {
		sink, err := logsink.NewKafkaSink(kafkaCfg.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, logsink.Registration{Sink: sink, Level: parseLevel(kafkaCfg.Level, slog.LevelInfo)})
	}

	return sinks, nil
}

var rootCmd = &cobra.Command{
	Use:           "report-uploader",
	Version:       Version,
	Short:         "📊 Deliver audit reports from the insights database to SharePoint",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: titleStyle.Render("Report Uploader") + `

Extracts the Medicare rate mismatch and Multiplan terminated providers views,
builds one spreadsheet per report, and uploads them to a SharePoint document
library through Microsoft Graph (or to an S3 bucket). Failed uploads are
retried with exponential backoff and kept in a local spool when they still
fail. Operational logs can be persisted to a database table, e-mail and Kafka.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch, build and upload both reports",
	Long:  `Fetch both report views, build one spreadsheet per report and upload each to the configured storage backend.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runReports()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the current or last run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printStatus(cmd.OutOrStdout())
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.report-uploader.yaml)")
	pf.BoolVar(&debug, "debug", false, "enable debug output")
	pf.StringVar(&logFormat, "log-format", "text", "log output format: text, logfmt, json")

	flags := runCmd.Flags()
	flags.Bool("dry-run", false, "fetch and build reports without uploading")
	flags.String("db-driver", source.DriverPostgres, "database driver: postgres, pgx")
	flags.String("db-host", "localhost", "database host")
	flags.Int("db-port", 5432, "database port")
	flags.String("db-user", "", "database user")
	flags.String("db-password", "", "database password")
	flags.String("db-name", "SECUR_INSIGHTS", "database name")
	flags.String("db-sslmode", "disable", "database SSL mode")
	flags.String("storage", BackendGraph, "storage backend: graph, s3")
	flags.String("output-format", formatters.FormatXLSX, "report file format: xlsx, csv")
	flags.String("graph-tenant-id", "", "Azure AD tenant id")
	flags.String("graph-client-id", "", "Azure AD application (client) id")
	flags.String("graph-client-secret", "", "Azure AD client secret")
	flags.String("graph-site-id", "", "SharePoint site id")
	flags.String("graph-drive-id", "", "SharePoint document library (drive) id")
	flags.String("graph-folder", delivery.DefaultFolder, "destination folder inside the drive")
	flags.Duration("graph-timeout", delivery.DefaultTimeout, "upload request timeout")
	flags.String("s3-endpoint", "", "S3 endpoint URL")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.String("s3-region", regionAuto, "S3 region")
	flags.Int("retry-attempts", pipeline.DefaultAttempts, "upload attempts per report")
	flags.Duration("retry-base-delay", pipeline.DefaultBaseDelay, "delay before the first retry, doubled for each further retry")
	flags.String("spool-dir", "", "directory for reports that could not be uploaded (empty disables)")
	flags.String("spool-compression", "zstd", "spool compression: zstd, lz4, gzip, none")
	flags.Int("spool-level", 3, "spool compression level")

	_ = viper.BindPFlag("debug", pf.Lookup("debug"))
	_ = viper.BindPFlag("log_format", pf.Lookup("log-format"))
	for key, flag := range map[string]string{
		"dry_run":             "dry-run",
		"db.driver":           "db-driver",
		"db.host":             "db-host",
		"db.port":             "db-port",
		"db.user":             "db-user",
		"db.password":         "db-password",
		"db.name":             "db-name",
		"db.sslmode":          "db-sslmode",
		"storage.backend":     "storage",
		"output_format":       "output-format",
		"graph.tenant_id":     "graph-tenant-id",
		"graph.client_id":     "graph-client-id",
		"graph.client_secret": "graph-client-secret",
		"graph.site_id":       "graph-site-id",
		"graph.drive_id":      "graph-drive-id",
		"graph.folder":        "graph-folder",
		"graph.timeout":       "graph-timeout",
		"s3.endpoint":         "s3-endpoint",
		"s3.bucket":           "s3-bucket",
		"s3.access_key":       "s3-access-key",
		"s3.secret_key":       "s3-secret-key",
		"s3.region":           "s3-region",
		"retry.attempts":      "retry-attempts",
		"retry.base_delay":    "retry-base-delay",
		"spool.dir":           "spool-dir",
		"spool.compression":   "spool-compression",
		"spool.level":         "spool-level",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	setLogSinkDefaults(viper.GetViper())
}

// setLogSinkDefaults registers defaults for settings that are only
// configurable through the config file or environment.
func setLogSinkDefaults(v *viper.Viper) {
	v.SetDefault("logsink.sql.enabled", false)
	v.SetDefault("logsink.sql.driver", source.DriverPostgres)
	v.SetDefault("logsink.sql.port", 5432)
	v.SetDefault("logsink.sql.sslmode", "disable")
	v.SetDefault("logsink.sql.table", "application_logs")
	v.SetDefault("logsink.sql.level", "info")
	v.SetDefault("logsink.sql.max_connect_attempts", 0)
	v.SetDefault("logsink.smtp.enabled", false)
	v.SetDefault("logsink.smtp.port", 25)
	v.SetDefault("logsink.smtp.subject", "Report uploader error")
	v.SetDefault("logsink.smtp.timeout", logsink.DefaultSMTPTimeout)
	v.SetDefault("logsink.smtp.level", "error")
	v.SetDefault("logsink.kafka.enabled", false)
	v.SetDefault("logsink.kafka.topic", "report-uploader-logs")
	v.SetDefault("logsink.kafka.level", "info")
	v.SetDefault("logsink.kafka.write_timeout", 5*time.Second)
}

func initConfig() {
	// .env values fill in anything not already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".report-uploader")
	}

	viper.SetEnvPrefix("REPORT_UPLOADER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		fmt.Fprintln(os.Stderr, infoStyle.Render("📄 Using config file: "+viper.ConfigFileUsed()))
	}
}

// loadConfig reads every setting from v.
func loadConfig(v *viper.Viper) *Config {
	return &Config{
		Debug:     v.GetBool("debug"),
		LogFormat: v.GetString("log_format"),
		DryRun:    v.GetBool("dry_run"),
		Database: source.DatabaseConfig{
			Driver:   v.GetString("db.driver"),
			Host:     v.GetString("db.host"),
			Port:     v.GetInt("db.port"),
			User:     v.GetString("db.user"),
			Password: v.GetString("db.password"),
			Name:     v.GetString("db.name"),
			SSLMode:  v.GetString("db.sslmode"),
		},
		Storage:      v.GetString("storage.backend"),
		OutputFormat: v.GetString("output_format"),
		Graph: GraphConfig{
			TenantID:     v.GetString("graph.tenant_id"),
			ClientID:     v.GetString("graph.client_id"),
			ClientSecret: v.GetString("graph.client_secret"),
			SiteID:       v.GetString("graph.site_id"),
			DriveID:      v.GetString("graph.drive_id"),
			BaseURL:      v.GetString("graph.base_url"),
			TokenURL:     v.GetString("graph.token_url"),
			Folder:       v.GetString("graph.folder"),
			Timeout:      v.GetDuration("graph.timeout"),
		},
		S3: delivery.S3Config{
			Endpoint:  v.GetString("s3.endpoint"),
			Bucket:    v.GetString("s3.bucket"),
			AccessKey: v.GetString("s3.access_key"),
			SecretKey: v.GetString("s3.secret_key"),
			Region:    v.GetString("s3.region"),
			Folder:    v.GetString("s3.folder"),
		},
		Retry: RetryConfig{
			Attempts:  v.GetInt("retry.attempts"),
			BaseDelay: v.GetDuration("retry.base_delay"),
		},
		Spool: SpoolConfig{
			Dir:         v.GetString("spool.dir"),
			Compression: v.GetString("spool.compression"),
			Level:       v.GetInt("spool.level"),
		},
		LogSinks: LogSinkConfig{
			SQL: SQLSinkConfig{
				Enabled: v.GetBool("logsink.sql.enabled"),
				Database: source.DatabaseConfig{
					Driver:   v.GetString("logsink.sql.driver"),
					Host:     v.GetString("logsink.sql.host"),
					Port:     v.GetInt("logsink.sql.port"),
					User:     v.GetString("logsink.sql.user"),
					Password: v.GetString("logsink.sql.password"),
					Name:     v.GetString("logsink.sql.name"),
					SSLMode:  v.GetString("logsink.sql.sslmode"),
				},
				Table:              v.GetString("logsink.sql.table"),
				Level:              v.GetString("logsink.sql.level"),
				MaxConnectAttempts: v.GetInt("logsink.sql.max_connect_attempts"),
			},
			SMTP: SMTPSinkConfig{
				Enabled: v.GetBool("logsink.smtp.enabled"),
				Level:   v.GetString("logsink.smtp.level"),
				Mail: logsink.SMTPConfig{
					Host:     v.GetString("logsink.smtp.host"),
					Port:     v.GetInt("logsink.smtp.port"),
					From:     v.GetString("logsink.smtp.from"),
					To:       splitList(v.GetStringSlice("logsink.smtp.to")),
					Subject:  v.GetString("logsink.smtp.subject"),
					Secure:   v.GetBool("logsink.smtp.secure"),
					Timeout:  v.GetDuration("logsink.smtp.timeout"),
					Username: v.GetString("logsink.smtp.username"),
					Password: v.GetString("logsink.smtp.password"),
				},
			},
			Kafka: KafkaSinkConfig{
				Enabled: v.GetBool("logsink.kafka.enabled"),
				Level:   v.GetString("logsink.kafka.level"),
				Kafka: logsink.KafkaConfig{
					Brokers:      splitList(v.GetStringSlice("logsink.kafka.brokers")),
					Topic:        v.GetString("logsink.kafka.topic"),
					WriteTimeout: v.GetDuration("logsink.kafka.write_timeout"),
				},
			},
		},
	}
}

// splitList flattens comma separated entries, as set through the environment.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func runReports() error {
	config := loadConfig(viper.GetViper())

	initLogger(config)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log sinks: %v\n", err)
		}
	}()

	runID := uuid.NewString()
	runLogger := logger.With(logsink.RunIDKey, runID)

	// Log startup banner
	runLogger.Info(fmt.Sprintf("🚀 Report Uploader v%s", Version))
	if config.DryRun {
		fmt.Fprintln(os.Stderr, infoStyle.Render("🔍 Dry run: reports are built but not uploaded"))
	}

	runLogger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		runLogger.Error("❌ Configuration error", logsink.ErrorKey, err)
		return fmt.Errorf("configuration error: %w", err)
	}

	release, err := acquireRunLock(runID)
	if err != nil {
		runLogger.Error("❌ Cannot start run", logsink.ErrorKey, err)
		return err
	}
	defer release()

	// Use the signal context created in main() before Cobra initialization
	ctx := signalContext
	if ctx == nil {
		ctx = context.Background()
	}

	err = executeRun(ctx, config, runLogger)
	if err != nil {
		if ctx.Err() != nil {
			runLogger.Warn("⚠️  Run cancelled by user")
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
		runLogger.Error("❌ Run finished with errors", logsink.ErrorKey, err)
		return err
	}

	runLogger.Info("✅ All reports processed")
	return nil
}

// executeRun wires the configured collaborators and processes both reports.
func executeRun(ctx context.Context, config *Config, runLogger *slog.Logger) error {
	formatter, err := formatters.GetFormatter(config.OutputFormat)
	if err != nil {
		return err
	}

	var uploader Uploader
	if !config.DryRun {
		uploader, err = newUploader(config, formatter, runLogger)
		if err != nil {
			return err
		}
	}

	var spool *delivery.Spool
	if config.Spool.Dir != "" {
		compressor, err := compressors.GetCompressor(config.Spool.Compression, config.Spool.Level)
		if err != nil {
			return err
		}
		spool = delivery.NewSpool(config.Spool.Dir, compressor, formatter)
	}

	opener := &sourceOpener{cfg: config.Database}
	defer opener.Close()

	pipelineLogger := runLogger.With(logsink.LoggerKey, "pipeline")
	retrier := pipeline.NewRetrier(config.Retry.Attempts, config.Retry.BaseDelay, pipelineLogger)
	runner := NewRunner(pipelineLogger, uploader, retrier, spool, config.DryRun)
	runner.OnProgress(updateRunInfo)

	return runner.Run(ctx, defaultJobs(ctx, opener.get))
}

func newUploader(config *Config, formatter formatters.Formatter, runLogger *slog.Logger) (Uploader, error) {
	switch config.Storage {
	case BackendS3:
		return delivery.NewS3Client(config.S3, formatter)
	default:
		tokens := delivery.NewClientCredentials(
			config.Graph.TenantID,
			config.Graph.ClientID,
			config.Graph.ClientSecret,
			config.Graph.TokenURL,
		)
		return delivery.NewGraphClient(delivery.GraphConfig{
			BaseURL: config.Graph.BaseURL,
			SiteID:  config.Graph.SiteID,
			DriveID: config.Graph.DriveID,
			Folder:  config.Graph.Folder,
			Timeout: config.Graph.Timeout,
		}, tokens,
			delivery.WithFormatter(formatter),
			delivery.WithLogger(runLogger.With(logsink.LoggerKey, "delivery")),
		), nil
	}
}
