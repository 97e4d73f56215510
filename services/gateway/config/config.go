// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config collects the gateway's environment-driven configuration.
// Admission thresholds can additionally be hot-reloaded from a JSON file
// via the Watcher.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Thresholds are the admission tunables eligible for hot reload.
type Thresholds struct {
	DiskWarningPercent    float64 `json:"disk_warning_percent"`
	DiskCriticalPercent   float64 `json:"disk_critical_percent"`
	MemoryCriticalPercent float64 `json:"memory_critical_percent"`
	MaxBufferedRecords    int64   `json:"max_buffered_records"`
}

// Config is the full gateway configuration, loaded once at startup.
type Config struct {
	LogLevel string
	LogDir   string
	DataDir  string

	Thresholds Thresholds
	// ThresholdsFile, when set, is watched for threshold overrides.
	ThresholdsFile string

	RetentionInterval    time.Duration
	RetentionMaxAge      time.Duration
	RetentionMaxRetries  int
	EmergencyDiskPercent float64

	UplinkBaseURL        string
	UplinkTimeout        time.Duration
	UplinkMaxAttempts    int
	UplinkTLSCert        string
	UplinkTLSKey         string
	UplinkTLSCA          string
	BatchInterval        time.Duration
	BatchSize            int
	BatchMaxConcurrent   int
	CompressionThreshold int

	CommandMaxConcurrent  int
	CommandRetryDelayBase time.Duration
	CommandRetryDelayMax  time.Duration
	CommandDefaultTTL     time.Duration
	CommandMaxQueueSize   int64

	ControlURL              string
	HeartbeatInterval       time.Duration
	ReconnectBaseInterval   time.Duration
	MaxReconnectAttempts    int
	MissedHeartbeatLimit    int
	OutboundQueueLimit      int

	DistributionMaxConcurrent int
	DeliveryTimeout           time.Duration
	DistributionMaxAttempts   int

	ServerAddr        string
	IngestRatePerSec  float64
	IngestBurst       int

	OTLPEndpoint string
	ServiceName  string
}

// Load reads the configuration from the environment, applying defaults for
// unset keys.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel: getEnvOr("EDGEGATE_LOG_LEVEL", "info"),
		LogDir:   getEnvOr("EDGEGATE_LOG_DIR", ""),
		DataDir:  getEnvOr("EDGEGATE_DATA_DIR", "/var/lib/edgegate"),

		Thresholds: Thresholds{
			DiskWarningPercent:    getEnvFloat("EDGEGATE_DISK_WARNING_PERCENT", 80),
			DiskCriticalPercent:   getEnvFloat("EDGEGATE_DISK_CRITICAL_PERCENT", 95),
			MemoryCriticalPercent: getEnvFloat("EDGEGATE_MEMORY_CRITICAL_PERCENT", 90),
			MaxBufferedRecords:    getEnvInt64("EDGEGATE_MAX_BUFFERED_RECORDS", 100000),
		},
		ThresholdsFile: getEnvOr("EDGEGATE_THRESHOLDS_FILE", ""),

		RetentionInterval:    getEnvDuration("EDGEGATE_RETENTION_INTERVAL", time.Minute),
		RetentionMaxAge:      getEnvDuration("EDGEGATE_RETENTION_MAX_AGE", 7*24*time.Hour),
		RetentionMaxRetries:  getEnvIntVal("EDGEGATE_RETENTION_MAX_RETRIES", 10),
		EmergencyDiskPercent: getEnvFloat("EDGEGATE_EMERGENCY_DISK_PERCENT", 98),

		UplinkBaseURL:        getEnvOr("EDGEGATE_UPLINK_URL", "https://ingest.example.com"),
		UplinkTimeout:        getEnvDuration("EDGEGATE_UPLINK_TIMEOUT", 30*time.Second),
		UplinkMaxAttempts:    getEnvIntVal("EDGEGATE_UPLINK_RETRY_ATTEMPTS", 5),
		UplinkTLSCert:        getEnvOr("EDGEGATE_UPLINK_TLS_CERT", ""),
		UplinkTLSKey:         getEnvOr("EDGEGATE_UPLINK_TLS_KEY", ""),
		UplinkTLSCA:          getEnvOr("EDGEGATE_UPLINK_TLS_CA", ""),
		BatchInterval:        getEnvDuration("EDGEGATE_BATCH_INTERVAL", 5*time.Second),
		BatchSize:            getEnvIntVal("EDGEGATE_BATCH_SIZE", 100),
		BatchMaxConcurrent:   getEnvIntVal("EDGEGATE_BATCH_MAX_CONCURRENT", 4),
		CompressionThreshold: getEnvIntVal("EDGEGATE_COMPRESSION_THRESHOLD", 4096),

		CommandMaxConcurrent:  getEnvIntVal("EDGEGATE_COMMAND_MAX_CONCURRENT", 5),
		CommandRetryDelayBase: getEnvDuration("EDGEGATE_COMMAND_RETRY_DELAY_BASE", 5*time.Second),
		CommandRetryDelayMax:  getEnvDuration("EDGEGATE_COMMAND_RETRY_DELAY_MAX", 5*time.Minute),
		CommandDefaultTTL:     getEnvDuration("EDGEGATE_COMMAND_DEFAULT_TTL", 24*time.Hour),
		CommandMaxQueueSize:   getEnvInt64("EDGEGATE_COMMAND_MAX_QUEUE_SIZE", 10000),

		ControlURL:            getEnvOr("EDGEGATE_WEBSOCKET_URL", ""),
		HeartbeatInterval:     getEnvDuration("EDGEGATE_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBaseInterval: getEnvDuration("EDGEGATE_RECONNECT_BASE_INTERVAL", time.Second),
		MaxReconnectAttempts:  getEnvIntVal("EDGEGATE_MAX_RECONNECT_ATTEMPTS", 10),
		MissedHeartbeatLimit:  getEnvIntVal("EDGEGATE_MISSED_HEARTBEAT_LIMIT", 3),
		OutboundQueueLimit:    getEnvIntVal("EDGEGATE_OUTBOUND_QUEUE_LIMIT", 1000),

		DistributionMaxConcurrent: getEnvIntVal("EDGEGATE_DISTRIBUTION_MAX_CONCURRENT", 8),
		DeliveryTimeout:           getEnvDuration("EDGEGATE_DELIVERY_TIMEOUT", 15*time.Second),
		DistributionMaxAttempts:   getEnvIntVal("EDGEGATE_DISTRIBUTION_MAX_ATTEMPTS", 3),

		ServerAddr:       getEnvOr("EDGEGATE_LISTEN_ADDR", ":8080"),
		IngestRatePerSec: getEnvFloat("EDGEGATE_INGEST_RATE", 1000),
		IngestBurst:      getEnvIntVal("EDGEGATE_INGEST_BURST", 2000),

		OTLPEndpoint: getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  getEnvOr("EDGEGATE_SERVICE_NAME", "edgegate"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.DataDir == "" {
		return errors.New("data dir is required")
	}
	if c.UplinkBaseURL == "" {
		return errors.New("uplink base url is required")
	}
	if c.UplinkMaxAttempts < 1 {
		return errors.New("uplink retry attempts must be at least 1")
	}
	if c.EmergencyDiskPercent <= c.Thresholds.DiskCriticalPercent {
		return fmt.Errorf("emergency disk percent (%.1f) must exceed critical (%.1f)",
			c.EmergencyDiskPercent, c.Thresholds.DiskCriticalPercent)
	}
	if (c.UplinkTLSCert == "") != (c.UplinkTLSKey == "") {
		return errors.New("uplink tls cert and key must be set together")
	}
	return nil
}

// Validate rejects threshold sets that would make admission nonsensical.
func (t Thresholds) Validate() error {
	if t.DiskWarningPercent <= 0 || t.DiskWarningPercent > 100 {
		return fmt.Errorf("disk warning percent out of range: %.1f", t.DiskWarningPercent)
	}
	if t.DiskCriticalPercent <= t.DiskWarningPercent || t.DiskCriticalPercent > 100 {
		return fmt.Errorf("disk critical percent (%.1f) must exceed warning (%.1f) and stay within 100",
			t.DiskCriticalPercent, t.DiskWarningPercent)
	}
	if t.MemoryCriticalPercent <= 0 || t.MemoryCriticalPercent > 100 {
		return fmt.Errorf("memory critical percent out of range: %.1f", t.MemoryCriticalPercent)
	}
	if t.MaxBufferedRecords <= 0 {
		return errors.New("max buffered records must be positive")
	}
	return nil
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvIntVal(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
