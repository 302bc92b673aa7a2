package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverridesBasic(t *testing.T) {
	base := baseConfig()

	os.Setenv("TIPCTL_CONTROL_PORT", "6502")
	os.Setenv("TIPCTL_WITHDRAW_ON_EXIT", "true")
	os.Setenv("TIPCTL_READ_TIMEOUT", "250ms")
	os.Setenv("TIPCTL_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("TIPCTL_CONTROL_PORT")
		os.Unsetenv("TIPCTL_WITHDRAW_ON_EXIT")
		os.Unsetenv("TIPCTL_READ_TIMEOUT")
		os.Unsetenv("TIPCTL_LOG_METRICS_INTERVAL")
	})

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.controlPort != 6502 {
		t.Fatalf("expected controlPort override, got %d", base.controlPort)
	}
	if !base.withdraw {
		t.Fatalf("expected withdraw true")
	}
	if base.readTimeout != 250*time.Millisecond {
		t.Fatalf("expected readTimeout 250ms, got %v", base.readTimeout)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s, got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverridesFlagPrecedence(t *testing.T) {
	base := &appConfig{controlPort: 6501}
	os.Setenv("TIPCTL_CONTROL_PORT", "6502")
	t.Cleanup(func() { os.Unsetenv("TIPCTL_CONTROL_PORT") })

	if err := applyEnvOverrides(base, map[string]struct{}{"control-port": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.controlPort != 6501 {
		t.Fatalf("expected controlPort unchanged at 6501, got %d", base.controlPort)
	}
}

func TestApplyEnvOverridesBadInt(t *testing.T) {
	base := &appConfig{bufferCapacity: 1024}
	os.Setenv("TIPCTL_BUFFER_CAPACITY", "notint")
	t.Cleanup(func() { os.Unsetenv("TIPCTL_BUFFER_CAPACITY") })

	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverridesBadDuration(t *testing.T) {
	base := &appConfig{maxDuration: time.Minute}
	os.Setenv("TIPCTL_MAX_DURATION", "not-a-duration")
	t.Cleanup(func() { os.Unsetenv("TIPCTL_MAX_DURATION") })

	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
