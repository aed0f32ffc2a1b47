package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/securhealth/report-uploader/cmd/compressors"
	"github.com/securhealth/report-uploader/cmd/delivery"
	"github.com/securhealth/report-uploader/cmd/logsink"
	"github.com/securhealth/report-uploader/cmd/source"
)

// Static errors for configuration validation
var (
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrDatabaseDriverInvalid   = errors.New("database driver must be one of: postgres, pgx")
	ErrLogFormatInvalid        = errors.New("log format must be one of: text, logfmt, json")
	ErrStorageBackendInvalid   = errors.New("storage backend must be one of: graph, s3")
	ErrOutputFormatInvalid     = errors.New("output format must be one of: xlsx, csv")
	ErrGraphTenantRequired     = errors.New("graph tenant id is required")
	ErrGraphClientIDRequired   = errors.New("graph client id is required")
	ErrGraphSecretRequired     = errors.New("graph client secret is required")
	ErrGraphSiteRequired       = errors.New("graph site id is required")
	ErrGraphDriveRequired      = errors.New("graph drive id is required")
	ErrGraphTimeoutInvalid     = errors.New("graph timeout must be > 0")
	ErrS3EndpointRequired      = errors.New("S3 endpoint is required")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrRetryAttemptsInvalid    = errors.New("retry attempts must be between 1 and 10")
	ErrRetryDelayInvalid       = errors.New("retry base delay must be > 0")
	ErrCompressionInvalid      = errors.New("spool compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("spool compression level must be between 0 and 22 (zstd), 0-9 (lz4/gzip), 0 (none)")
	ErrLogLevelInvalid         = errors.New("log sink level must be one of: debug, info, warn, error")
	ErrLogTableInvalid         = errors.New("log table is invalid: must be [schema.]table, each part 1-63 characters of letters, numbers, and underscores")
	ErrSMTPHostRequired        = errors.New("SMTP host is required")
	ErrSMTPFromRequired        = errors.New("SMTP sender address is required")
	ErrSMTPRecipientsRequired  = errors.New("at least one SMTP recipient is required")
	ErrSMTPAuthRequiresTLS     = errors.New("SMTP username requires secure (STARTTLS) to be enabled")
	ErrKafkaBrokersRequired    = errors.New("at least one Kafka broker is required")
	ErrKafkaTopicRequired      = errors.New("Kafka topic is required")
)

const regionAuto = "auto"

// Storage backends.
const (
	BackendGraph = "graph"
	BackendS3    = "s3"
)

type Config struct {
	Debug        bool
	LogFormat    string
	DryRun       bool
	Database     source.DatabaseConfig
	Storage      string
	OutputFormat string
	Graph        GraphConfig
	S3           delivery.S3Config
	Retry        RetryConfig
	Spool        SpoolConfig
	LogSinks     LogSinkConfig
}

type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	SiteID       string
	DriveID      string
	BaseURL      string
	TokenURL     string
	Folder       string
	Timeout      time.Duration
}

type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
}

type SpoolConfig struct {
	Dir         string // empty disables spooling
	Compression string
	Level       int
}

type LogSinkConfig struct {
	SQL   SQLSinkConfig
	SMTP  SMTPSinkConfig
	Kafka KafkaSinkConfig
}

type SQLSinkConfig struct {
	Enabled            bool
	Database           source.DatabaseConfig
	Table              string
	Level              string
	MaxConnectAttempts int
}

type SMTPSinkConfig struct {
	Enabled bool
	Level   string
	Mail    logsink.SMTPConfig
}

type KafkaSinkConfig struct {
	Enabled bool
	Level   string
	Kafka   logsink.KafkaConfig
}

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// isValidTableName accepts table or schema.table
func isValidTableName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 63 || !validPostgreSQLIdentifier.MatchString(p) {
			return false
		}
	}
	return true
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

func isValidLogFormat(format string) bool {
	switch format {
	case "", "text", "logfmt", "json":
		return true
	}
	return false
}

func isValidOutputFormat(format string) bool {
	switch format {
	case "", "xlsx", "csv":
		return true
	}
	return false
}

func isValidCompression(compression string) bool {
	switch compression {
	case "", "zstd", "lz4", "gzip", "none":
		return true
	}
	return false
}

func isValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// parseLevel maps a configured level name onto slog; unknown names fall back
// to fallback.
func parseLevel(level string, fallback slog.Level) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

func (c *Config) Validate() error {
	if !isValidLogFormat(c.LogFormat) {
		return fmt.Errorf("%w, got %q", ErrLogFormatInvalid, c.LogFormat)
	}

	if err := validateDatabase(c.Database); err != nil {
		return err
	}

	if !isValidOutputFormat(c.OutputFormat) {
		return fmt.Errorf("%w, got %q", ErrOutputFormatInvalid, c.OutputFormat)
	}

	// Storage credentials are not needed when nothing is uploaded
	if !c.DryRun {
		switch c.Storage {
		case "", BackendGraph:
			if err := c.validateGraph(); err != nil {
				return err
			}
		case BackendS3:
			if err := c.validateS3(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w, got %q", ErrStorageBackendInvalid, c.Storage)
		}
	}

	if c.Retry.Attempts < 1 || c.Retry.Attempts > 10 {
		return fmt.Errorf("%w, got %d", ErrRetryAttemptsInvalid, c.Retry.Attempts)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("%w, got %s", ErrRetryDelayInvalid, c.Retry.BaseDelay)
	}

	if c.Spool.Dir != "" {
		if !isValidCompression(c.Spool.Compression) {
			return fmt.Errorf("%w, got %q", ErrCompressionInvalid, c.Spool.Compression)
		}
		if c.Spool.Compression != "" && !compressors.ValidLevel(c.Spool.Compression, c.Spool.Level) {
			return fmt.Errorf("%w, got %d for %s", ErrCompressionLevelInvalid, c.Spool.Level, c.Spool.Compression)
		}
	}

	return c.validateLogSinks()
}

func validateDatabase(db source.DatabaseConfig) error {
	if db.User == "" {
		return ErrDatabaseUserRequired
	}
	if db.Name == "" {
		return ErrDatabaseNameRequired
	}
	if db.Port < 1 || db.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, db.Port)
	}
	if _, err := db.DriverName(); err != nil {
		return fmt.Errorf("%w, got %q", ErrDatabaseDriverInvalid, db.Driver)
	}
	return nil
}

func (c *Config) validateGraph() error {
	g := c.Graph
	switch {
	case g.TenantID == "" && g.TokenURL == "":
		return ErrGraphTenantRequired
	case g.ClientID == "":
		return ErrGraphClientIDRequired
	case g.ClientSecret == "":
		return ErrGraphSecretRequired
	case g.SiteID == "":
		return ErrGraphSiteRequired
	case g.DriveID == "":
		return ErrGraphDriveRequired
	case g.Timeout <= 0:
		return fmt.Errorf("%w, got %s", ErrGraphTimeoutInvalid, g.Timeout)
	}
	return nil
}

func (c *Config) validateS3() error {
	if c.S3.Endpoint == "" {
		return ErrS3EndpointRequired
	}
	if c.S3.Bucket == "" {
		return ErrS3BucketRequired
	}
	if c.S3.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if c.S3.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}
	if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
		return fmt.Errorf("%w: %q", ErrS3RegionInvalid, c.S3.Region)
	}
	return nil
}

func (c *Config) validateLogSinks() error {
	sql := c.LogSinks.SQL
	if sql.Enabled {
		if err := validateDatabase(sql.Database); err != nil {
			return fmt.Errorf("log sink database: %w", err)
		}
		if !isValidTableName(sql.Table) {
			return fmt.Errorf("%w, got %q", ErrLogTableInvalid, sql.Table)
		}
		if !isValidLevel(sql.Level) {
			return fmt.Errorf("%w, got %q", ErrLogLevelInvalid, sql.Level)
		}
	}

	smtp := c.LogSinks.SMTP
	if smtp.Enabled {
		if smtp.Mail.Host == "" {
			return ErrSMTPHostRequired
		}
		if smtp.Mail.From == "" {
			return ErrSMTPFromRequired
		}
		if len(smtp.Mail.To) == 0 {
			return ErrSMTPRecipientsRequired
		}
		// PLAIN auth is refused over an unencrypted connection
		if smtp.Mail.Username != "" && !smtp.Mail.Secure {
			return ErrSMTPAuthRequiresTLS
		}
		if !isValidLevel(smtp.Level) {
			return fmt.Errorf("%w, got %q", ErrLogLevelInvalid, smtp.Level)
		}
	}

	kafka := c.LogSinks.Kafka
	if kafka.Enabled {
		if len(kafka.Kafka.Brokers) == 0 {
			return ErrKafkaBrokersRequired
		}
		if kafka.Kafka.Topic == "" {
			return ErrKafkaTopicRequired
		}
		if !isValidLevel(kafka.Level) {
			return fmt.Errorf("%w, got %q", ErrLogLevelInvalid, kafka.Level)
		}
	}
	return nil
}
