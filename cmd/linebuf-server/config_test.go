package main

import (
	"flag"
	"io"
	"testing"
	"time"
)

func TestConfigValidate_OK(t *testing.T) {
	c := defaultConfig()
	if err := c.validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	c.baud = 4800
	c.backend = "tty"
	c.overflow = "discard"
	c.settleDelay = 0
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "rs485" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badOverflow", func(c *appConfig) { c.overflow = "wrap" }},
		{"emptySerial", func(c *appConfig) { c.serialDev = "" }},
		{"unsupportedBaud", func(c *appConfig) { c.baud = 19200 }},
		{"zeroBaud", func(c *appConfig) { c.baud = 0 }},
		{"forwardIsSource", func(c *appConfig) { c.forwardDev = c.serialDev }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"negativeSettle", func(c *appConfig) { c.settleDelay = -time.Second }},
		{"zeroTick", func(c *appConfig) { c.tick = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badMetricsInterval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
	}
	for _, tc := range tests {
		base := defaultConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseArgs(t *testing.T) {
	fs := flag.NewFlagSet("linebuf-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, showVersion := parseArgs(fs, []string{
		"-serial", "/dev/ttyS1", "-baud", "4800", "-overflow", "discard",
		"-banner", "hello", "-require-remote", "-skip-empty=false", "-tick", "5ms",
	})
	if showVersion {
		t.Fatalf("unexpected version request")
	}
	if cfg == nil {
		t.Fatalf("expected config")
	}
	if cfg.serialDev != "/dev/ttyS1" || cfg.baud != 4800 || cfg.overflow != "discard" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.banner != "hello" || !cfg.requireRemote || cfg.skipEmpty || cfg.tick != 5*time.Millisecond {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestParseArgsRejectsBaud(t *testing.T) {
	fs := flag.NewFlagSet("linebuf-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if cfg, _ := parseArgs(fs, []string{"-baud", "57600"}); cfg != nil {
		t.Fatalf("expected nil config for unsupported baud")
	}
}

func TestParseArgsVersion(t *testing.T) {
	fs := flag.NewFlagSet("linebuf-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, showVersion := parseArgs(fs, []string{"-version"}); !showVersion {
		t.Fatalf("expected version flag")
	}
}
