package main

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/websoft9/serissh/internal/config"
)

func TestRootCmd_FlagsOverrideEnv(t *testing.T) {
	cfg := &config.Config{Port: 2222, Baud: 115200, Framing: "8N1", GraceTimeout: 5 * time.Second}
	cmd := newRootCmd(cfg)

	err := cmd.ParseFlags([]string{
		"--port", "2022",
		"--serial", "/dev/ttyS1",
		"-b", "9600",
		"--framing", "7E1",
		"--grace-timeout", "2s",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.Port != 2022 || cfg.SerialPath != "/dev/ttyS1" || cfg.Baud != 9600 || cfg.Framing != "7E1" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.GraceTimeout != 2*time.Second {
		t.Errorf("GraceTimeout = %s", cfg.GraceTimeout)
	}
}

func TestRootCmd_DefaultsFromConfig(t *testing.T) {
	cfg := &config.Config{Port: 2300, HostKeyPath: "/etc/serissh/key"}
	cmd := newRootCmd(cfg)

	if got := cmd.Flags().Lookup("port").DefValue; got != "2300" {
		t.Errorf("port default = %s", got)
	}
	if got := cmd.Flags().Lookup("host-key").DefValue; got != "/etc/serissh/key" {
		t.Errorf("host-key default = %s", got)
	}
}

func TestRootCmd_InvalidConfigRefused(t *testing.T) {
	cfg := &config.Config{Port: 2222, GraceTimeout: time.Second, LogFormat: "json"}
	cmd := newRootCmd(cfg)
	cmd.SetArgs([]string{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "user and password") {
		t.Errorf("Execute = %v, want missing credentials error", err)
	}
}
