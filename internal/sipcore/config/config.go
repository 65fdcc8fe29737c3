// Package config loads the sipcore server configuration from command line
// flags and environment variables.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds the sipcore server configuration
type Config struct {
	// SIP settings
	Port          int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers
	LogLevel      string

	// AppID names this registrar/dialog domain
	AppID string

	// Extensions the application supports (comma separated in env/flag)
	Supported []string

	// Registrar interval bounds in seconds
	RegDefaultExpires int
	RegMinExpires     int
	RegMaxExpires     int

	// HTTP status API listen address
	APIAddr string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.AppID, "app", "sipcore", "Application id for registrar and events")
	flag.StringVar(&cfg.APIAddr, "api", "0.0.0.0:8080", "HTTP status API listen address")
	flag.IntVar(&cfg.RegDefaultExpires, "reg-default-expires", 3600, "Default registration interval in seconds")
	flag.IntVar(&cfg.RegMinExpires, "reg-min-expires", 60, "Minimum registration interval in seconds")
	flag.IntVar(&cfg.RegMaxExpires, "reg-max-expires", 86400, "Maximum registration interval in seconds")

	var supported string
	flag.StringVar(&supported, "supported", "path,outbound,gruu", "Supported extensions (comma-separated)")

	flag.Parse()

	cfg.Supported = parseList(supported)

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if app := os.Getenv("APP_ID"); app != "" {
		cfg.AppID = app
	}
	if api := os.Getenv("API_ADDR"); api != "" {
		cfg.APIAddr = api
	}
	if sup := os.Getenv("SUPPORTED"); sup != "" {
		cfg.Supported = parseList(sup)
	}
	if v := os.Getenv("REG_DEFAULT_EXPIRES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegDefaultExpires = n
		}
	}
	if v := os.Getenv("REG_MIN_EXPIRES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegMinExpires = n
		}
	}
	if v := os.Getenv("REG_MAX_EXPIRES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegMaxExpires = n
		}
	}

	return cfg
}

// parseList parses a comma-separated list
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
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
