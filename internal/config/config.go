package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the voice gateway configuration
type Config struct {
	// SIP settings
	SIPPort       int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers and SDP
	LogLevel      string

	// RTP media settings
	MediaPortMin int // Start of the RTP port range (0 = OS-assigned ports)
	MediaPortMax int
	OutputCodec  string // pcmu or pcma when the offer allows a choice

	// Realtime provider settings
	ModelAPIBase string // e.g. https://api.openai.com
	ModelAPIKey  string

	// Browser gateway settings
	GatewayAddr string // HTTP listen address for the browser WebSocket

	// Registration keepalive
	RegisterInterval time.Duration

	// RoutingPath points at the routing configuration file (workflows,
	// routes, voice settings). AccountsPath points at the SIP accounts
	// file.
	RoutingPath  string
	AccountsPath string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{
		RegisterInterval: 300 * time.Second,
	}

	flag.IntVar(&cfg.SIPPort, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers and SDP (auto-detected if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.MediaPortMin, "media-port-min", 10000, "Start of the RTP port range (0 for OS-assigned)")
	flag.IntVar(&cfg.MediaPortMax, "media-port-max", 10999, "End of the RTP port range")
	flag.StringVar(&cfg.OutputCodec, "output-codec", "pcmu", "Preferred outbound codec (pcmu or pcma)")
	flag.StringVar(&cfg.ModelAPIBase, "api-base", "https://api.openai.com", "Realtime provider API base URL")
	flag.StringVar(&cfg.GatewayAddr, "gateway", ":8089", "Browser gateway HTTP listen address")
	flag.StringVar(&cfg.RoutingPath, "routing", "resources/config/routing.json", "Path to routing configuration file")
	flag.StringVar(&cfg.AccountsPath, "accounts", "resources/config/accounts.json", "Path to SIP accounts file")

	flag.Parse()

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SIPPort = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if base := os.Getenv("MODEL_API_BASE"); base != "" {
		cfg.ModelAPIBase = base
	}
	if key := os.Getenv("MODEL_API_KEY"); key != "" {
		cfg.ModelAPIKey = key
	}
	if addr := os.Getenv("GATEWAY_ADDR"); addr != "" {
		cfg.GatewayAddr = addr
	}
	if ports := os.Getenv("MEDIA_PORT_RANGE"); ports != "" {
		if lo, hi, ok := parsePortRange(ports); ok {
			cfg.MediaPortMin = lo
			cfg.MediaPortMax = hi
		}
	}
	if codec := os.Getenv("OUTPUT_CODEC"); codec != "" {
		cfg.OutputCodec = strings.ToLower(codec)
	}
	if path := os.Getenv("ROUTING_PATH"); path != "" {
		cfg.RoutingPath = path
	}
	if path := os.Getenv("ACCOUNTS_PATH"); path != "" {
		cfg.AccountsPath = path
	}

	return cfg
}

// parsePortRange parses "10000-10999" into its bounds
func parsePortRange(s string) (int, int, bool) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || lo < 0 || hi < lo {
		return 0, 0, false
	}
	return lo, hi, true
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
