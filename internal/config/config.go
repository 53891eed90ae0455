package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"awsops/internal/logger"
)

// Storage backends understood by the copy job
const (
	BackendAWS   = "aws"
	BackendMinIO = "minio"
)

// Config represents the application configuration
type Config struct {
	LogLevel       string         `yaml:"log_level"`
	AWS            AWS            `yaml:"aws"`
	CloneBucket    CloneBucket    `yaml:"clone_bucket"`
	CloudFormation CloudFormation `yaml:"cloudformation"`
	Route53        Route53        `yaml:"route53"`
	CloudTrail     CloudTrail     `yaml:"cloudtrail"`
	RDS            RDS            `yaml:"rds"`
}

// AWS holds the settings shared by every AWS client
type AWS struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Backend         string `yaml:"backend"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Secure          bool   `yaml:"secure"`
}

// CloneBucket configures the cross-account bucket copy job
type CloneBucket struct {
	SourceBucket         string        `yaml:"source_bucket"`
	DestinationBucket    string        `yaml:"destination_bucket"`
	RoleARN              string        `yaml:"role_arn"`
	SessionName          string        `yaml:"session_name"`
	Prefixes             []string      `yaml:"prefixes"`
	Workers              int           `yaml:"workers"`
	QueueSize            int           `yaml:"queue_size"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	ACL                  string        `yaml:"acl"`
	RefreshWindow        time.Duration `yaml:"refresh_window"`
	RefreshFailureLimit  int           `yaml:"refresh_failure_limit"`
	RefreshFailureWindow time.Duration `yaml:"refresh_failure_window"`
	RefreshPollInterval  time.Duration `yaml:"refresh_poll_interval"`
	MaxAuthRetries       int           `yaml:"max_auth_retries"`
	DryRun               bool          `yaml:"dry_run"`
	ReportPath           string        `yaml:"report_path"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	ShowProgress         bool          `yaml:"show_progress"`
	ProgressInterval     time.Duration `yaml:"progress_interval"`
}

// CloudFormation configures the stack status poller
type CloudFormation struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Route53 configures record upserts
type Route53 struct {
	ZonesFile   string `yaml:"zones_file"`
	RecordsFile string `yaml:"records_file"`
}

// CloudTrail configures the archive scanner
type CloudTrail struct {
	Root  string `yaml:"root"`
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// RDS configures the cross-account database clone
type RDS struct {
	SourceAccountID        string            `yaml:"source_account_id"`
	SourceInstanceID       string            `yaml:"source_instance_id"`
	TargetAccountID        string            `yaml:"target_account_id"`
	TargetInstanceID       string            `yaml:"target_instance_id"`
	RoleARN                string            `yaml:"role_arn"`
	SessionName            string            `yaml:"session_name"`
	MasterPassword         string            `yaml:"master_password"`
	MasterPasswordSecretID string            `yaml:"master_password_secret_id"`
	SnapshotTags           map[string]string `yaml:"snapshot_tags"`
	PollInterval           time.Duration     `yaml:"poll_interval"`
	SnapshotTimeout        time.Duration     `yaml:"snapshot_timeout"`
	DeleteTimeout          time.Duration     `yaml:"delete_timeout"`
	RestoreTimeout         time.Duration     `yaml:"restore_timeout"`
}

// Default returns a configuration populated with defaults
func Default() *Config {
	return &Config{
		LogLevel: "info",
		AWS: AWS{
			Backend: BackendAWS,
			Secure:  true,
		},
		CloneBucket: CloneBucket{
			SessionName:          "assumed-s3-archiver-role",
			Workers:              100,
			QueueSize:            1000,
			IdleTimeout:          30 * time.Second,
			ACL:                  "bucket-owner-full-control",
			RefreshFailureLimit:  3,
			RefreshFailureWindow: 5 * time.Minute,
			RefreshPollInterval:  250 * time.Millisecond,
			MaxAuthRetries:       3,
			ShowProgress:         true,
			ProgressInterval:     10 * time.Second,
		},
		CloudFormation: CloudFormation{
			PollInterval: 30 * time.Second,
		},
		RDS: RDS{
			SessionName:     "rds_staging_role",
			PollInterval:    30 * time.Second,
			SnapshotTimeout: 5 * time.Minute,
			DeleteTimeout:   5 * time.Minute,
			RestoreTimeout:  20 * time.Minute,
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// loadFromFlags copies every flag the user set explicitly. Flags that are not
// registered on the running subcommand report Changed == false.
func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	// AWS flags
	if flags.Changed("region") {
		cfg.AWS.Region, _ = flags.GetString("region")
	}
	if flags.Changed("profile") {
		cfg.AWS.Profile, _ = flags.GetString("profile")
	}
	if flags.Changed("endpoint") {
		cfg.AWS.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("use-path-style") {
		cfg.AWS.UsePathStyle, _ = flags.GetBool("use-path-style")
	}
	if flags.Changed("backend") {
		cfg.AWS.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("access-key-id") {
		cfg.AWS.AccessKeyID, _ = flags.GetString("access-key-id")
	}
	if flags.Changed("secret-access-key") {
		cfg.AWS.SecretAccessKey, _ = flags.GetString("secret-access-key")
	}
	if flags.Changed("secure") {
		cfg.AWS.Secure, _ = flags.GetBool("secure")
	}

	// Bucket copy flags
	if flags.Changed("role-arn") {
		cfg.CloneBucket.RoleARN, _ = flags.GetString("role-arn")
	}
	if flags.Changed("session-name") {
		cfg.CloneBucket.SessionName, _ = flags.GetString("session-name")
	}
	if flags.Changed("prefix") {
		cfg.CloneBucket.Prefixes, _ = flags.GetStringSlice("prefix")
	}
	if flags.Changed("workers") {
		cfg.CloneBucket.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("queue-size") {
		cfg.CloneBucket.QueueSize, _ = flags.GetInt("queue-size")
	}
	if flags.Changed("idle-timeout") {
		cfg.CloneBucket.IdleTimeout, _ = flags.GetDuration("idle-timeout")
	}
	if flags.Changed("acl") {
		cfg.CloneBucket.ACL, _ = flags.GetString("acl")
	}
	if flags.Changed("refresh-window") {
		cfg.CloneBucket.RefreshWindow, _ = flags.GetDuration("refresh-window")
	}
	if flags.Changed("max-auth-retries") {
		cfg.CloneBucket.MaxAuthRetries, _ = flags.GetInt("max-auth-retries")
	}
	if flags.Changed("dry-run") {
		cfg.CloneBucket.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("report") {
		cfg.CloneBucket.ReportPath, _ = flags.GetString("report")
	}
	if flags.Changed("metrics-addr") {
		cfg.CloneBucket.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("show-progress") {
		cfg.CloneBucket.ShowProgress, _ = flags.GetBool("show-progress")
	}

	// CloudFormation flags
	if flags.Changed("poll-interval") {
		cfg.CloudFormation.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("timeout") {
		cfg.CloudFormation.Timeout, _ = flags.GetDuration("timeout")
	}

	// Route53 flags
	if flags.Changed("zones") {
		cfg.Route53.ZonesFile, _ = flags.GetString("zones")
	}
	if flags.Changed("records") {
		cfg.Route53.RecordsFile, _ = flags.GetString("records")
	}

	// RDS flags
	if flags.Changed("source-account-id") {
		cfg.RDS.SourceAccountID, _ = flags.GetString("source-account-id")
	}
	if flags.Changed("source-instance-id") {
		cfg.RDS.SourceInstanceID, _ = flags.GetString("source-instance-id")
	}
	if flags.Changed("target-account-id") {
		cfg.RDS.TargetAccountID, _ = flags.GetString("target-account-id")
	}
	if flags.Changed("target-instance-id") {
		cfg.RDS.TargetInstanceID, _ = flags.GetString("target-instance-id")
	}
	if flags.Changed("target-role-arn") {
		cfg.RDS.RoleARN, _ = flags.GetString("target-role-arn")
	}
	if flags.Changed("master-password-secret-id") {
		cfg.RDS.MasterPasswordSecretID, _ = flags.GetString("master-password-secret-id")
	}

	return nil
}

// Validate checks the settings shared by every tool
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.AWS.Backend {
	case BackendAWS:
	case BackendMinIO:
		if c.AWS.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the %s backend", BackendMinIO)
		}
		if c.AWS.AccessKeyID == "" || c.AWS.SecretAccessKey == "" {
			return fmt.Errorf("access key id and secret access key are required for the %s backend", BackendMinIO)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.AWS.Backend)
	}

	return nil
}

// Validate checks the bucket copy settings
func (c *CloneBucket) Validate() error {
	if c.SourceBucket == "" {
		return fmt.Errorf("source bucket is required")
	}
	if c.DestinationBucket == "" {
		return fmt.Errorf("destination bucket is required")
	}
	if c.SourceBucket == c.DestinationBucket {
		return fmt.Errorf("source and destination bucket must differ")
	}
	if c.RoleARN == "" {
		return fmt.Errorf("role arn is required")
	}
	if c.SessionName == "" {
		return fmt.Errorf("session name is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.RefreshWindow < 0 {
		return fmt.Errorf("refresh window cannot be negative")
	}
	if c.RefreshFailureLimit <= 0 {
		return fmt.Errorf("refresh failure limit must be positive")
	}
	if c.RefreshFailureWindow <= 0 {
		return fmt.Errorf("refresh failure window must be positive")
	}
	if c.RefreshPollInterval <= 0 {
		return fmt.Errorf("refresh poll interval must be positive")
	}
	if c.MaxAuthRetries < 0 {
		return fmt.Errorf("max auth retries cannot be negative")
	}
	return nil
}

// Validate checks the stack poller settings
func (c *CloudFormation) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// Validate checks the record upsert settings
func (c *Route53) Validate() error {
	if c.ZonesFile == "" {
		return fmt.Errorf("zones file is required")
	}
	if c.RecordsFile == "" {
		return fmt.Errorf("records file is required")
	}
	return nil
}

// Validate checks the database clone settings
func (c *RDS) Validate() error {
	switch {
	case c.SourceAccountID == "":
		return fmt.Errorf("source account id is required")
	case c.SourceInstanceID == "":
		return fmt.Errorf("source instance id is required")
	case c.TargetAccountID == "":
		return fmt.Errorf("target account id is required")
	case c.TargetInstanceID == "":
		return fmt.Errorf("target instance id is required")
	case c.RoleARN == "":
		return fmt.Errorf("target role arn is required")
	case c.MasterPassword == "" && c.MasterPasswordSecretID == "":
		return fmt.Errorf("master password or master password secret id is required")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive")
	case c.SnapshotTimeout <= 0 || c.DeleteTimeout <= 0 || c.RestoreTimeout <= 0:
		return fmt.Errorf("wait timeouts must be positive")
	}
	return nil
}
