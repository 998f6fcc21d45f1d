package config

import (
	"log/slog"
	"net"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	for _, env := range []string{
		"CORE_DATA_DIR", "CORE_SIP_PORT", "CORE_RTP_PORT_MIN", "CORE_RTP_PORT_MAX",
		"CORE_LOG_LEVEL", "CORE_LOG_FORMAT", "CORE_SIP_TRUST_BY_IP_CIDRS",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"pbxd"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.RTPPortMin != defaultRTPPortMin || cfg.RTPPortMax != defaultRTPPortMax {
		t.Errorf("RTP range = [%d, %d], want [%d, %d]", cfg.RTPPortMin, cfg.RTPPortMax, defaultRTPPortMin, defaultRTPPortMax)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if len(cfg.TrustByIPCIDRs) != 0 {
		t.Errorf("TrustByIPCIDRs = %v, want empty (credentials required by default)", cfg.TrustByIPCIDRs)
	}
	if cfg.DialplanEmergency != defaultDialplanEmergency {
		t.Errorf("DialplanEmergency = %q, want %q", cfg.DialplanEmergency, defaultDialplanEmergency)
	}
	if cfg.QoSMOSMin != defaultQoSMOSMin {
		t.Errorf("QoSMOSMin = %v, want %v", cfg.QoSMOSMin, defaultQoSMOSMin)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"pbxd"}
	t.Setenv("CORE_SIP_PORT", "5070")
	t.Setenv("CORE_DATA_DIR", "/tmp/corepbx-test")
	t.Setenv("CORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != 5070 {
		t.Errorf("SIPPort = %d, want 5070", cfg.SIPPort)
	}
	if cfg.DataDir != "/tmp/corepbx-test" {
		t.Errorf("DataDir = %q, want /tmp/corepbx-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	os.Args = []string{"pbxd", "--sip-port", "5080", "--log-level", "warn"}
	t.Setenv("CORE_SIP_PORT", "5070")
	t.Setenv("CORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != 5080 {
		t.Errorf("SIPPort = %d, want 5080 (CLI should override env)", cfg.SIPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestTrustByIPCIDRsParsed(t *testing.T) {
	os.Args = []string{"pbxd", "--sip-trust-by-ip-cidrs", "10.0.0.0/8,192.168.1.0/24"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.TrustByIPCIDRs) != 2 {
		t.Fatalf("TrustByIPCIDRs = %v, want 2 entries", cfg.TrustByIPCIDRs)
	}
	if !cfg.TrustedIP(net.ParseIP("10.1.2.3")) {
		t.Error("expected 10.1.2.3 to be trusted under 10.0.0.0/8")
	}
	if cfg.TrustedIP(net.ParseIP("8.8.8.8")) {
		t.Error("expected 8.8.8.8 to not be trusted")
	}
}

func TestValidateInvalidPort(t *testing.T) {
	os.Args = []string{"pbxd", "--sip-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"pbxd", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateOddRTPPortMin(t *testing.T) {
	os.Args = []string{"pbxd", "--rtp-port-min", "10001"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for odd rtp-port-min")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
