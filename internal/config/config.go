// Package config implements corepbx's configuration loading: CLI flags
// override environment variables override built-in defaults, matching
// the teacher's internal/config/config.go precedence and
// flag.FlagSet/os.LookupEnv mechanics almost exactly, re-keyed for the
// PBX's own option set (spec.md §6).
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for corepbx.
type Config struct {
	DataDir    string
	SIPPort    int
	ExternalIP string
	RTPPortMin int
	RTPPortMax int
	LogLevel   string
	LogFormat  string

	VoicemailNoAnswerTimeoutSec int
	VoicemailMaxMessageDurSec  int

	SendPAssertedIdentity bool
	SendRemotePartyID     bool
	SendMACAddress        bool
	AcceptMACInInvite     bool

	// TrustByIPCIDRs lists CIDR blocks exempt from credential checks on
	// REGISTER (Open Question 1 resolution, SPEC_FULL.md §5). Empty means
	// no IP is trusted and credentials are always required.
	TrustByIPCIDRs []string

	DialplanInternal      string
	DialplanConference    string
	DialplanVoicemail     string
	DialplanQueue         string
	DialplanParking       string
	DialplanAutoAttendant string
	DialplanEmergency     string
	DialplanPaging        string

	QoSMOSMin        float64
	QoSPacketLossMax float64
	QoSJitterMaxMS   float64
	QoSLatencyMaxMS  float64
}

const (
	defaultDataDir    = "./data"
	defaultSIPPort    = 5060
	defaultRTPPortMin = 10000
	defaultRTPPortMax = 20000
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"

	defaultNoAnswerTimeoutSec = 30
	defaultMaxMessageDurSec   = 180

	defaultDialplanInternal      = `^1[0-9]{3}$`
	defaultDialplanConference    = `^2[0-9]{3}$`
	defaultDialplanVoicemail     = `^\*[0-9]{3,4}$`
	defaultDialplanQueue         = `^8[0-9]{3}$`
	defaultDialplanParking       = `^7[0-9]$`
	defaultDialplanAutoAttendant = `^0$`
	defaultDialplanEmergency     = `^9?-?911$`
	defaultDialplanPaging        = `^7[0-9]$`

	defaultQoSMOSMin        = 3.5
	defaultQoSPacketLossMax = 2.0
	defaultQoSJitterMaxMS   = 50.0
	defaultQoSLatencyMaxMS  = 300.0
)

// envPrefix is the prefix for all corepbx environment variables.
const envPrefix = "CORE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pbxd", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite store")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP for SDP (auto-detected if empty)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP relay")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP relay")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.IntVar(&cfg.VoicemailNoAnswerTimeoutSec, "voicemail-no-answer-timeout", defaultNoAnswerTimeoutSec, "seconds before an unanswered call diverts to voicemail")
	fs.IntVar(&cfg.VoicemailMaxMessageDurSec, "voicemail-max-message-duration", defaultMaxMessageDurSec, "maximum voicemail message length in seconds")

	fs.BoolVar(&cfg.SendPAssertedIdentity, "sip-send-p-asserted-identity", true, "emit P-Asserted-Identity on forwarded INVITEs")
	fs.BoolVar(&cfg.SendRemotePartyID, "sip-send-remote-party-id", true, "emit Remote-Party-ID on forwarded INVITEs")
	fs.BoolVar(&cfg.SendMACAddress, "sip-send-mac-address", true, "emit X-MAC-Address when a caller's device MAC is known")
	fs.BoolVar(&cfg.AcceptMACInInvite, "sip-accept-mac-in-invite", true, "accept X-MAC-Address on inbound INVITEs")

	trustByIP := fs.String("sip-trust-by-ip-cidrs", "", "comma-separated CIDRs exempt from REGISTER credential checks")

	fs.StringVar(&cfg.DialplanInternal, "dialplan-internal", defaultDialplanInternal, "regex for internal extension dialing")
	fs.StringVar(&cfg.DialplanConference, "dialplan-conference", defaultDialplanConference, "regex for conference bridge dialing")
	fs.StringVar(&cfg.DialplanVoicemail, "dialplan-voicemail", defaultDialplanVoicemail, "regex for voicemail access dialing")
	fs.StringVar(&cfg.DialplanQueue, "dialplan-queue", defaultDialplanQueue, "regex for queue dialing")
	fs.StringVar(&cfg.DialplanParking, "dialplan-parking", defaultDialplanParking, "regex for call parking dialing")
	fs.StringVar(&cfg.DialplanAutoAttendant, "dialplan-auto-attendant", defaultDialplanAutoAttendant, "regex/extension for the auto-attendant")
	fs.StringVar(&cfg.DialplanEmergency, "dialplan-emergency", defaultDialplanEmergency, "regex for emergency dialing")
	fs.StringVar(&cfg.DialplanPaging, "dialplan-paging", defaultDialplanPaging, "regex for paging group dialing")

	fs.Float64Var(&cfg.QoSMOSMin, "qos-mos-min", defaultQoSMOSMin, "MOS alert threshold")
	fs.Float64Var(&cfg.QoSPacketLossMax, "qos-packet-loss-max", defaultQoSPacketLossMax, "packet loss %% alert threshold")
	fs.Float64Var(&cfg.QoSJitterMaxMS, "qos-jitter-max-ms", defaultQoSJitterMaxMS, "average jitter ms alert threshold")
	fs.Float64Var(&cfg.QoSLatencyMaxMS, "qos-latency-max-ms", defaultQoSLatencyMaxMS, "average latency ms alert threshold")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, trustByIP)

	if *trustByIP != "" {
		cfg.TrustByIPCIDRs = strings.Split(*trustByIP, ",")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly set on the command line, preserving CLI > env > default.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, trustByIP *string) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	lookup := func(name string) (string, bool) {
		if set[name] {
			return "", false
		}
		envName := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		val, ok := os.LookupEnv(envName)
		if !ok || val == "" {
			return "", false
		}
		return val, true
	}

	if v, ok := lookup("data-dir"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookup("sip-port"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SIPPort = n
		}
	}
	if v, ok := lookup("external-ip"); ok {
		cfg.ExternalIP = v
	}
	if v, ok := lookup("rtp-port-min"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMin = n
		}
	}
	if v, ok := lookup("rtp-port-max"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMax = n
		}
	}
	if v, ok := lookup("log-level"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("log-format"); ok {
		cfg.LogFormat = v
	}
	if v, ok := lookup("voicemail-no-answer-timeout"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VoicemailNoAnswerTimeoutSec = n
		}
	}
	if v, ok := lookup("voicemail-max-message-duration"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VoicemailMaxMessageDurSec = n
		}
	}
	if v, ok := lookup("sip-send-p-asserted-identity"); ok {
		cfg.SendPAssertedIdentity = parseBool(v, cfg.SendPAssertedIdentity)
	}
	if v, ok := lookup("sip-send-remote-party-id"); ok {
		cfg.SendRemotePartyID = parseBool(v, cfg.SendRemotePartyID)
	}
	if v, ok := lookup("sip-send-mac-address"); ok {
		cfg.SendMACAddress = parseBool(v, cfg.SendMACAddress)
	}
	if v, ok := lookup("sip-accept-mac-in-invite"); ok {
		cfg.AcceptMACInInvite = parseBool(v, cfg.AcceptMACInInvite)
	}
	if v, ok := lookup("sip-trust-by-ip-cidrs"); ok {
		*trustByIP = v
	}
	if v, ok := lookup("dialplan-internal"); ok {
		cfg.DialplanInternal = v
	}
	if v, ok := lookup("dialplan-conference"); ok {
		cfg.DialplanConference = v
	}
	if v, ok := lookup("dialplan-voicemail"); ok {
		cfg.DialplanVoicemail = v
	}
	if v, ok := lookup("dialplan-queue"); ok {
		cfg.DialplanQueue = v
	}
	if v, ok := lookup("dialplan-parking"); ok {
		cfg.DialplanParking = v
	}
	if v, ok := lookup("dialplan-auto-attendant"); ok {
		cfg.DialplanAutoAttendant = v
	}
	if v, ok := lookup("dialplan-emergency"); ok {
		cfg.DialplanEmergency = v
	}
	if v, ok := lookup("dialplan-paging"); ok {
		cfg.DialplanPaging = v
	}
	if v, ok := lookup("qos-mos-min"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.QoSMOSMin = f
		}
	}
	if v, ok := lookup("qos-packet-loss-max"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.QoSPacketLossMax = f
		}
	}
	if v, ok := lookup("qos-jitter-max-ms"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.QoSJitterMaxMS = f
		}
	}
	if v, ok := lookup("qos-latency-max-ms"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.QoSLatencyMaxMS = f
		}
	}
}

func parseBool(s string, fallback bool) bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return v
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP uses even ports, RTCP the next odd port.
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	for _, cidr := range c.TrustByIPCIDRs {
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid sip-trust-by-ip-cidrs entry %q: %w", cidr, err)
		}
	}

	return nil
}

// MediaIP returns the IP address to advertise in SDP. If ExternalIP is
// configured, it is returned directly; otherwise the machine's primary
// non-loopback IPv4 address is used, falling back to loopback.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TrustedIP reports whether addr falls within a configured trust-by-IP
// CIDR, exempting it from REGISTER credential checks (Open Question 1
// resolution, SPEC_FULL.md §5).
func (c *Config) TrustedIP(addr net.IP) bool {
	for _, cidr := range c.TrustByIPCIDRs {
		if cidr == "" {
			continue
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(addr) {
			return true
		}
	}
	return false
}
