package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-uart-linebuf/internal/linebuf"
	"github.com/kstaniek/go-uart-linebuf/internal/logging"
)

type appConfig struct {
	serialDev       string
	baud            int
	backend         string
	serialReadTO    time.Duration
	overflow        string
	banner          string
	settleDelay     time.Duration
	tick            time.Duration
	requireRemote   bool
	skipEmpty       bool
	echo            bool
	forwardDev      string
	listenAddr      string
	maxClients      int
	clientReadTO    time.Duration
	hubBuffer       int
	hubPolicy       string
	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func defaultConfig() *appConfig {
	return &appConfig{
		serialDev:    "/dev/ttyUSB0",
		baud:         linebuf.DefaultBaudRate,
		backend:      "tarm",
		serialReadTO: 50 * time.Millisecond,
		overflow:     "truncate",
		banner:       linebuf.NoBanner,
		settleDelay:  linebuf.DefaultSettleDelay,
		tick:         10 * time.Millisecond,
		skipEmpty:    true,
		listenAddr:   ":20100",
		clientReadTO: 60 * time.Second,
		hubBuffer:    512,
		hubPolicy:    "drop",
		logFormat:    "text",
		logLevel:     "info",
	}
}

func parseFlags() (*appConfig, bool) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

func parseArgs(fs *flag.FlagSet, args []string) (*appConfig, bool) {
	cfg := defaultConfig()
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Source serial device path")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate: 4800|9600|115200")
	fs.StringVar(&cfg.backend, "backend", cfg.backend, "Serial backend: tarm|bugst|tty")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout (tarm, bugst)")
	fs.StringVar(&cfg.overflow, "overflow", cfg.overflow, "Overflow policy: truncate|discard")
	fs.StringVar(&cfg.banner, "banner", cfg.banner, "Banner written after the settle delay (\"none\" disables)")
	fs.DurationVar(&cfg.settleDelay, "settle-delay", cfg.settleDelay, "Delay before the banner is written")
	fs.DurationVar(&cfg.tick, "tick", cfg.tick, "Line buffer poll interval")
	fs.BoolVar(&cfg.requireRemote, "require-remote", cfg.requireRemote, "Hold completed lines until a destination is ready")
	fs.BoolVar(&cfg.skipEmpty, "skip-empty", cfg.skipEmpty, "Drop empty lines instead of sending them")
	fs.BoolVar(&cfg.echo, "echo", cfg.echo, "Echo completed lines to stdout")
	fs.StringVar(&cfg.forwardDev, "forward", cfg.forwardDev, "Forward completed lines to this serial device (empty disables)")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP listen address")
	fs.IntVar(&cfg.maxClients, "max-clients", cfg.maxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client hub buffer (lines)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", cfg.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", cfg.mdnsEnable, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", cfg.mdnsName, "mDNS instance name (default linebuf-server-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Printf("flag error: %v\n", err)
		return nil, false
	}

	// Flags explicitly set take precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges only; devices and listeners are not opened.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	switch c.backend {
	case "tarm", "bugst", "tty":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if _, err := linebuf.ParseOverflowPolicy(c.overflow); err != nil {
		return fmt.Errorf("invalid overflow: %w", err)
	}
	if c.serialDev == "" {
		return errors.New("serial must not be empty")
	}
	if !linebuf.IsSupportedBaud(c.baud) {
		return fmt.Errorf("baud %d not in %v", c.baud, linebuf.SupportedBaudRates)
	}
	if c.forwardDev != "" && c.forwardDev == c.serialDev {
		return errors.New("forward device must differ from serial")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.settleDelay < 0 {
		return fmt.Errorf("settle-delay must be >= 0")
	}
	if c.tick <= 0 {
		return fmt.Errorf("tick must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// envBinding ties a flag name to its LINEBUF_* variable.
type envBinding struct {
	flag  string
	env   string
	apply func(v string) error
}

func envString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func envInt(dst *int, min int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < min {
			return fmt.Errorf("%d below minimum %d", n, min)
		}
		*dst = n
		return nil
	}
}

func envDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("negative duration %s", v)
		}
		*dst = d
		return nil
	}
}

func envBool(dst *bool) func(string) error {
	return func(v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

func envBindings(c *appConfig) []envBinding {
	return []envBinding{
		{"serial", "LINEBUF_SERIAL", envString(&c.serialDev)},
		{"baud", "LINEBUF_BAUD", envInt(&c.baud, 1)},
		{"backend", "LINEBUF_BACKEND", envString(&c.backend)},
		{"serial-read-timeout", "LINEBUF_SERIAL_READ_TIMEOUT", envDuration(&c.serialReadTO)},
		{"overflow", "LINEBUF_OVERFLOW", envString(&c.overflow)},
		{"banner", "LINEBUF_BANNER", envString(&c.banner)},
		{"settle-delay", "LINEBUF_SETTLE_DELAY", envDuration(&c.settleDelay)},
		{"tick", "LINEBUF_TICK", envDuration(&c.tick)},
		{"require-remote", "LINEBUF_REQUIRE_REMOTE", envBool(&c.requireRemote)},
		{"skip-empty", "LINEBUF_SKIP_EMPTY", envBool(&c.skipEmpty)},
		{"echo", "LINEBUF_ECHO", envBool(&c.echo)},
		{"forward", "LINEBUF_FORWARD", envString(&c.forwardDev)},
		{"listen", "LINEBUF_LISTEN", envString(&c.listenAddr)},
		{"max-clients", "LINEBUF_MAX_CLIENTS", envInt(&c.maxClients, 0)},
		{"client-read-timeout", "LINEBUF_CLIENT_READ_TIMEOUT", envDuration(&c.clientReadTO)},
		{"hub-buffer", "LINEBUF_HUB_BUFFER", envInt(&c.hubBuffer, 1)},
		{"hub-policy", "LINEBUF_HUB_POLICY", envString(&c.hubPolicy)},
		{"metrics-addr", "LINEBUF_METRICS", envString(&c.metricsAddr)},
		{"log-format", "LINEBUF_LOG_FORMAT", envString(&c.logFormat)},
		{"log-level", "LINEBUF_LOG_LEVEL", envString(&c.logLevel)},
		{"log-metrics-interval", "LINEBUF_LOG_METRICS_INTERVAL", envDuration(&c.logMetricsEvery)},
		{"mdns-enable", "LINEBUF_MDNS_ENABLE", envBool(&c.mdnsEnable)},
		{"mdns-name", "LINEBUF_MDNS_NAME", envString(&c.mdnsName)},
	}
}

// applyEnvOverrides maps LINEBUF_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored.
// All bindings are applied; the first parse error is returned.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, b := range envBindings(c) {
		if _, ok := set[b.flag]; ok {
			continue
		}
		v, ok := os.LookupEnv(b.env)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", b.env, err)
		}
	}
	return firstErr
}
