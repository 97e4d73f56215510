// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package uplink implements the gateway's outbound reliability pipeline:
// the batching drain of the durable buffer and the idempotent, retrying
// HTTP client that delivers batches to the central backend.
//
// Delivery semantics are at-least-once with idempotency-key deduplication:
// a batch is only deleted from the buffer after a confirmed 2xx, and a
// retried submission of the same (endpoint, payload) short-circuits to the
// cached first response instead of hitting the network again.
package uplink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/edgegate/edgegate/pkg/backoff"
	"github.com/edgegate/edgegate/services/gateway/gerrors"
	"github.com/edgegate/edgegate/services/gateway/storage"
)

const idemPrefix = "i|"

// TLSConfig holds optional mutual-TLS material for the uplink.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string

	// InsecureSkipVerify disables server certificate verification.
	// Development only.
	InsecureSkipVerify bool
}

// ClientConfig configures the uplink client.
type ClientConfig struct {
	// BaseURL of the central backend, e.g. "https://uplink.example.com".
	BaseURL string

	// AttemptTimeout is the hard per-attempt timeout. Exceeding it counts
	// as a retryable transient failure. Default: 30s.
	AttemptTimeout time.Duration

	// MaxAttempts bounds delivery attempts per Send call. Default: 5.
	MaxAttempts int

	// Backoff computes the delay between attempts.
	// Default: 500ms base, x2, 30s cap.
	Backoff backoff.Policy

	// IdempotencyTTL is how long completed responses stay cached.
	// Default: 24h.
	IdempotencyTTL time.Duration

	// MaxIdleConnsPerHost bounds the connection pool. Default: 8.
	MaxIdleConnsPerHost int

	// TLS enables mutual TLS when cert and key files are set.
	TLS TLSConfig

	Logger *slog.Logger
}

// Request is one outbound uplink submission.
type Request struct {
	// Endpoint is the path under BaseURL, e.g. "/v1/telemetry/metrics".
	Endpoint string

	// Payload is the serialized (possibly compressed) batch body.
	Payload []byte

	// Compressed indicates gzip content encoding.
	Compressed bool

	// IdempotencyKey overrides the derived key. Optional.
	IdempotencyKey string
}

// Response is the backend's reply to a successful submission.
type Response struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Client executes uplink calls with bounded pooling, exponential-backoff
// retry, and idempotency-key deduplication.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	cache  *storage.DB
	logger *slog.Logger
}

// NewClient builds the uplink client. cache holds idempotency entries as
// TTL'd badger keys so a restart cannot double-apply a completed batch.
func NewClient(cfg ClientConfig, cache *storage.DB) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cache == nil {
		return nil, errors.New("idempotency cache store is required")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Policy{Base: 500 * time.Millisecond, Multiplier: 2, Max: 30 * time.Second}
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	if tlsCfg, err := buildTLS(cfg.TLS); err != nil {
		return nil, err
	} else if tlsCfg != nil {
		transport.TLSClientConfig = tlsCfg
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		cache:  cache,
		logger: cfg.Logger,
	}, nil
}

// DeriveKey computes the deterministic idempotency key for an
// (endpoint, payload) pair.
func DeriveKey(endpoint string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Send delivers a request, deduplicating by idempotency key and retrying
// transient failures with backoff.
//
// Outputs:
//
//	*Response - The backend response (possibly served from the
//	idempotency cache without a network call).
//	error - Permanent error for 4xx (except 429); transient error once
//	the retry budget is exhausted.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	tracer := otel.Tracer("edgegate/uplink")
	ctx, span := tracer.Start(ctx, "uplink.Send")
	defer span.End()
	span.SetAttributes(attribute.String("uplink.endpoint", req.Endpoint))

	key := req.IdempotencyKey
	if key == "" {
		key = DeriveKey(req.Endpoint, req.Payload)
	}

	if resp, ok := c.cachedResponse(ctx, key); ok {
		span.SetAttributes(attribute.Bool("uplink.cached", true))
		requestsTotal.WithLabelValues("cached").Inc()
		return resp, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := c.attempt(ctx, req, key)
		requestLatency.Observe(time.Since(start).Seconds())

		if err == nil {
			c.storeResponse(ctx, key, resp)
			requestsTotal.WithLabelValues("success").Inc()
			return resp, nil
		}
		lastErr = err

		if !gerrors.IsRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "permanent failure")
			requestsTotal.WithLabelValues("failure").Inc()
			return nil, err
		}
		retriesTotal.Inc()

		if attempt == c.cfg.MaxAttempts {
			break
		}
		delay := c.cfg.Backoff.Delay(attempt)
		c.logger.Warn("uplink attempt failed, backing off",
			"endpoint", req.Endpoint,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, gerrors.Transient(fmt.Errorf("uplink send cancelled: %w", ctx.Err()))
		case <-time.After(delay):
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "retry budget exhausted")
	requestsTotal.WithLabelValues("failure").Inc()
	return nil, gerrors.Transient(fmt.Errorf("uplink retries exhausted after %d attempts: %w",
		c.cfg.MaxAttempts, lastErr))
}

// attempt performs one HTTP call with the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, req Request, key string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + req.Endpoint
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, gerrors.Permanentf("build uplink request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	if req.Compressed {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, gerrors.Transient(fmt.Errorf("uplink call: %w", err))
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, gerrors.Transient(fmt.Errorf("read uplink response: %w", err))
	}

	switch gerrors.ClassifyHTTPStatus(httpResp.StatusCode) {
	case gerrors.ClassTransient:
		return nil, gerrors.Transient(fmt.Errorf("uplink returned %d", httpResp.StatusCode))
	case gerrors.ClassPermanent:
		return nil, gerrors.Permanentf("uplink rejected request with %d: %s",
			httpResp.StatusCode, truncate(string(body), 200))
	}
	return &Response{StatusCode: httpResp.StatusCode, Body: body}, nil
}

func (c *Client) cachedResponse(ctx context.Context, key string) (*Response, bool) {
	var resp Response
	found := false
	err := c.cache.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idemPrefix + key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &resp)
		})
	})
	if err != nil {
		c.logger.Warn("idempotency cache read failed", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &resp, true
}

func (c *Client) storeResponse(ctx context.Context, key string, resp *Response) {
	value, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("encode idempotency entry failed", "error", err)
		return
	}
	err = c.cache.WithTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(idemPrefix+key), value).WithTTL(c.cfg.IdempotencyTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		// Worst case the next retry performs a duplicate network call,
		// which the backend deduplicates by the Idempotency-Key header.
		c.logger.Warn("idempotency cache write failed", "error", err)
	}
}

func buildTLS(cfg TLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" && cfg.KeyFile == "" && cfg.CAFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
