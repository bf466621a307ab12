// Package config loads the server configuration from command line flags
// with environment variable overrides.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the complete server configuration.
type Config struct {
	// SIP settings
	SIPHost string // Address to bind the SIP UDP listener
	SIPPort int
	// ServerAddress is the external address inserted into SDP bodies,
	// Via headers and rewritten Contact headers.
	ServerAddress string

	// RTP relay settings
	RTPHost string
	RTPPort int

	// Dial plan: inclusive range of valid extensions
	ExtMin int
	ExtMax int

	// Timers
	CallSetupTimeout    time.Duration // INITIATED dialogs older than this are timed out
	RegistrationTimeout time.Duration // Default Expires when the UA provides none
	CleanupInterval     time.Duration // Cadence of registrar and dialog cleanup

	// Admin HTTP API
	HTTPPort int

	// Logging
	LogLevel string
}

// Load loads configuration from command line flags and environment variables.
// Environment variables take precedence over flags.
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.SIPHost, "sip-host", "0.0.0.0", "SIP bind address")
	flag.IntVar(&cfg.SIPPort, "sip-port", 5060, "SIP listening port")
	flag.StringVar(&cfg.ServerAddress, "advertise", "", "Address advertised in SDP and Via headers (auto-detected if not set)")
	flag.StringVar(&cfg.RTPHost, "rtp-host", "0.0.0.0", "RTP relay bind address")
	flag.IntVar(&cfg.RTPPort, "rtp-port", 10000, "RTP relay port")
	flag.IntVar(&cfg.ExtMin, "ext-min", 100, "Lowest valid extension")
	flag.IntVar(&cfg.ExtMax, "ext-max", 110, "Highest valid extension")
	flag.DurationVar(&cfg.CallSetupTimeout, "call-setup-timeout", 30*time.Second, "Timeout for unanswered call setup")
	flag.DurationVar(&cfg.RegistrationTimeout, "registration-timeout", 3600*time.Second, "Default registration expiry")
	flag.DurationVar(&cfg.CleanupInterval, "cleanup-interval", 60*time.Second, "Cleanup ticker interval")
	flag.IntVar(&cfg.HTTPPort, "http-port", 8080, "Admin HTTP API port")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	applyEnv(cfg)

	if cfg.ServerAddress == "" || !isValidAddress(cfg.ServerAddress) {
		cfg.ServerAddress = getPrimaryInterfaceIP()
	}

	return cfg
}

// applyEnv overrides config fields from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SIP_HOST"); v != "" {
		cfg.SIPHost = v
	}
	if v, ok := envInt("SIP_PORT"); ok {
		cfg.SIPPort = v
	}
	if v := os.Getenv("SERVER_ADDRESS"); v != "" {
		cfg.ServerAddress = v
	}
	if v := os.Getenv("RTP_HOST"); v != "" {
		cfg.RTPHost = v
	}
	if v, ok := envInt("RTP_PORT"); ok {
		cfg.RTPPort = v
	}
	if v, ok := envInt("EXT_MIN"); ok {
		cfg.ExtMin = v
	}
	if v, ok := envInt("EXT_MAX"); ok {
		cfg.ExtMax = v
	}
	if v, ok := envInt("CALL_SETUP_TIMEOUT"); ok {
		cfg.CallSetupTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("REGISTRATION_TIMEOUT"); ok {
		cfg.RegistrationTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("CLEANUP_INTERVAL"); ok {
		cfg.CleanupInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("HTTP_PORT"); ok {
		cfg.HTTPPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// isValidAddress checks if the address is a valid IP or resolvable hostname.
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
