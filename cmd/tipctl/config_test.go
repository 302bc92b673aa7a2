package main

import (
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		controlHost:       "127.0.0.1",
		controlPort:       6501,
		dataPort:          6590,
		channels:          "Current (A)",
		logFormat:         "text",
		logLevel:          "info",
		connectTimeout:    time.Second,
		readTimeout:       time.Second,
		retryBudget:       2,
		primarySignalName: "Current (A)",
		sharpMin:          -1,
		sharpMax:          1,
		maxCycles:         10,
		maxDuration:       time.Minute,
		verifyCount:       3,
		bufferCapacity:    1024,
	}
}

func TestConfigValidateOK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badControlPort", func(c *appConfig) { c.controlPort = 0 }},
		{"badDataPort", func(c *appConfig) { c.dataPort = 70000 }},
		{"emptyChannels", func(c *appConfig) { c.channels = " , " }},
		{"emptyPrimarySignal", func(c *appConfig) { c.primarySignalName = "" }},
		{"inverseBounds", func(c *appConfig) { c.sharpMin = 5; c.sharpMax = -5 }},
		{"negativeMaxCycles", func(c *appConfig) { c.maxCycles = -1 }},
		{"zeroMaxDuration", func(c *appConfig) { c.maxDuration = 0 }},
		{"zeroVerifyCount", func(c *appConfig) { c.verifyCount = 0 }},
		{"negativeRetryBudget", func(c *appConfig) { c.retryBudget = -1 }},
		{"zeroBufferCapacity", func(c *appConfig) { c.bufferCapacity = 0 }},
		{"negativeOversampling", func(c *appConfig) { c.oversampl = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := baseConfig()
			tc.mod(c)
			if err := c.validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestChannelNamesSplitsAndTrims(t *testing.T) {
	c := baseConfig()
	c.channels = " Current (A), Bias (V) ,,Z (m)"
	got := c.channelNames()
	want := []string{"Current (A)", "Bias (V)", "Z (m)"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
