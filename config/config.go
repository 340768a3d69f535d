package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
)

// FailurePolicy controls whether per-file upload failures block the agent
// from reaching its terminal phase.
type FailurePolicy string

const (
	// FailurePolicyFlag surfaces upload failures through status and the
	// webhook note but still lets the agent finish.
	FailurePolicyFlag FailurePolicy = "flag"
	// FailurePolicyBlock keeps the agent in the uploading phase when any
	// file fails, so the orchestrator will not deallocate the host.
	FailurePolicyBlock FailurePolicy = "block"
)

// Config represents the agent configuration, read once at startup from the
// environment injected by the orchestrator's run-command mechanism.
type Config struct {
	// Storage configuration
	Storage struct {
		// ConnectionString is the blob store connection string
		ConnectionString string
		// AccountName is the storage account identity used in SAS URLs
		AccountName string
		// Container is the staging container for uploaded captures
		Container string
	}

	// Webhook configuration
	Webhook struct {
		// URL is the offsite endpoint that receives the run manifest
		URL string
		// TimeoutSeconds bounds the single delivery attempt
		TimeoutSeconds int
	}

	// Capture configuration
	Capture struct {
		// Interface is the decapsulation interface to sniff (not the
		// management NIC)
		Interface string
		// RunnerSubnet is the IPv4 source subnet of the runner hosts
		RunnerSubnet string
		// RunnerSubnetV6 is the IPv6 source subnet of the runner hosts
		RunnerSubnetV6 string
		// OutputDir is where raw pcap files are written
		OutputDir string
		// StopTimeoutSeconds is the per-process wait bound before a
		// forced kill
		StopTimeoutSeconds int
		// SASExpiryHours is the signed URL validity window
		SASExpiryHours int
		// FailurePolicy is "flag" or "block"
		FailurePolicy FailurePolicy
	}

	// Ingest configuration for lifecycle event shipping; disabled when
	// either field is empty
	Ingest struct {
		WorkspaceID string
		SharedKey   string
	}

	// Server configuration
	Server struct {
		// ListenAddr is the control protocol bind address
		ListenAddr string
	}

	// Logging configuration
	Logging struct {
		// File is the path to the log file. If empty, logs to stdout only
		File string
		// MaxSizeMB is the maximum size of the log file before rotation
		MaxSizeMB int
		// RetentionDays is how long rotated logs are kept
		RetentionDays int
	}
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	var cfg Config

	cfg.Storage.ConnectionString = os.Getenv("STORAGE_CONN_STR")
	cfg.Storage.AccountName = os.Getenv("STORAGE_ACCOUNT_NAME")
	cfg.Storage.Container = envOr("PCAP_CONTAINER", "pcap-staging")

	cfg.Webhook.URL = os.Getenv("OFFSITE_WEBHOOK_URL")
	cfg.Webhook.TimeoutSeconds = 30

	cfg.Capture.Interface = envOr("CAPTURE_IFACE", "vxlan0")
	cfg.Capture.RunnerSubnet = envOr("RUNNER_SUBNET", "10.10.1.0/24")
	cfg.Capture.RunnerSubnetV6 = envOr("RUNNER_SUBNET_V6", "ace:cab:deca:deed::/64")
	cfg.Capture.OutputDir = envOr("PCAP_DIR", "/tmp/pcaps")
	cfg.Capture.FailurePolicy = FailurePolicy(envOr("UPLOAD_FAILURE_POLICY", string(FailurePolicyFlag)))

	var err error
	if cfg.Capture.StopTimeoutSeconds, err = envInt("STOP_TIMEOUT_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.Capture.SASExpiryHours, err = envInt("SAS_EXPIRY_HOURS", 24); err != nil {
		return nil, err
	}

	cfg.Ingest.WorkspaceID = os.Getenv("LAW_WORKSPACE_ID")
	cfg.Ingest.SharedKey = os.Getenv("LAW_SHARED_KEY")

	cfg.Server.ListenAddr = envOr("LISTEN_ADDR", ":9000")

	cfg.Logging.File = os.Getenv("LOG_FILE")
	if cfg.Logging.MaxSizeMB, err = envInt("LOG_MAX_SIZE_MB", 100); err != nil {
		return nil, err
	}
	if cfg.Logging.RetentionDays, err = envInt("LOG_RETENTION_DAYS", 7); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that would make the agent
// misbehave at runtime rather than at startup.
func (c *Config) Validate() error {
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("STORAGE_CONN_STR must be set")
	}
	if c.Storage.AccountName == "" {
		return fmt.Errorf("STORAGE_ACCOUNT_NAME must be set")
	}
	if c.Webhook.URL == "" {
		return fmt.Errorf("OFFSITE_WEBHOOK_URL must be set")
	}
	if err := validateInterfaceName(c.Capture.Interface); err != nil {
		return err
	}
	if _, _, err := net.ParseCIDR(c.Capture.RunnerSubnet); err != nil {
		return fmt.Errorf("invalid RUNNER_SUBNET %q: %v", c.Capture.RunnerSubnet, err)
	}
	if _, _, err := net.ParseCIDR(c.Capture.RunnerSubnetV6); err != nil {
		return fmt.Errorf("invalid RUNNER_SUBNET_V6 %q: %v", c.Capture.RunnerSubnetV6, err)
	}
	if c.Capture.StopTimeoutSeconds <= 0 {
		return fmt.Errorf("STOP_TIMEOUT_SECONDS must be positive")
	}
	if c.Capture.SASExpiryHours <= 0 {
		return fmt.Errorf("SAS_EXPIRY_HOURS must be positive")
	}
	switch c.Capture.FailurePolicy {
	case FailurePolicyFlag, FailurePolicyBlock:
	default:
		return fmt.Errorf("invalid UPLOAD_FAILURE_POLICY %q (want flag or block)", c.Capture.FailurePolicy)
	}
	return nil
}

// interfaceNamePattern matches safe network interface names (alphanumeric
// with dash, underscore, and dot). The interface name ends up on a tcpdump
// command line, so the charset is restricted.
var interfaceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func validateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("interface name too long: %d characters", len(name))
	}
	if !interfaceNamePattern.MatchString(name) {
		return fmt.Errorf("interface name contains invalid characters: %q", name)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %v", key, v, err)
	}
	return n, nil
}
