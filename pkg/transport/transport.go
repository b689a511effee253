// Package transport sends event envelopes to the ingestion boundary over
// HTTP. It is the SDK's error wall: every failure mode — DNS, connection
// refused, 5xx, a hung collector — resolves to silence from the caller's
// perspective, exactly like the buffer and capture façade above it. It
// reuses pkg/resilience's circuit breaker (so a dead collector stops being
// hammered) and pkg/fn's generic Retry (so the backoff loop is the same
// primitive used elsewhere in this codebase, not a bespoke one here).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/driftline/driftline/pkg/fn"
	"github.com/driftline/driftline/pkg/resilience"
	"github.com/driftline/driftline/pkg/types"
)

// Observer receives best-effort notifications about transport failures.
// Defaults to a debug-log observer, matching the SDK-debugging design note:
// silence is the public contract, but an escape hatch exists for whoever is
// debugging the SDK itself.
type Observer interface {
	OnSendFailure(envelopeType types.EnvelopeType, err error)
}

type slogObserver struct{ log *slog.Logger }

func (o slogObserver) OnSendFailure(t types.EnvelopeType, err error) {
	o.log.Debug("transport: send failed, dropping", "type", t, "error", err)
}

// Config configures a Transport.
type Config struct {
	APIURL     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Breaker    resilience.BreakerOpts
	Observer   Observer
	HTTPClient *http.Client
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig(apiURL string) Config {
	return Config{
		APIURL:     apiURL,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
		Breaker:    resilience.DefaultBreakerOpts,
	}
}

// Transport is the capture façade's only network-facing collaborator.
type Transport struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.Breaker
	obs     Observer
}

// New creates a Transport. log, if non-nil, backs the default Observer; pass
// a Config.Observer to override it entirely.
func New(cfg Config, log *slog.Logger) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	obs := cfg.Observer
	if obs == nil {
		if log == nil {
			log = slog.Default()
		}
		obs = slogObserver{log: log}
	}
	return &Transport{
		cfg:     cfg,
		client:  client,
		breaker: resilience.NewBreaker(cfg.Breaker),
		obs:     obs,
	}
}

// SendDecisionEvents best-effort-sends a batch of events as a "decisions"
// envelope. Never blocks the caller on failure; never returns anything
// observable.
func (t *Transport) SendDecisionEvents(ctx context.Context, events []types.DecisionEvent) {
	t.send(ctx, types.EnvelopeDecisions, events)
}

// SendRun best-effort-sends a Run as a "run" envelope.
func (t *Transport) SendRun(ctx context.Context, run types.Run) {
	t.send(ctx, types.EnvelopeRun, run)
}

// SendStep best-effort-sends a Step as a "step" envelope.
func (t *Transport) SendStep(ctx context.Context, step types.Step) {
	t.send(ctx, types.EnvelopeStep, step)
}

func (t *Transport) send(ctx context.Context, envType types.EnvelopeType, data any) {
	body, err := json.Marshal(struct {
		Type types.EnvelopeType `json:"type"`
		Data any                `json:"data"`
	}{Type: envType, Data: data})
	if err != nil {
		t.obs.OnSendFailure(envType, fmt.Errorf("marshal envelope: %w", err))
		return
	}

	result := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: t.cfg.MaxRetries,
		InitialWait: t.cfg.RetryDelay,
		MaxWait:     30 * time.Second,
		Jitter:      true,
	}, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, t.attempt(ctx, body))
	})

	if result.IsErr() {
		_, err := result.Unwrap()
		t.obs.OnSendFailure(envType, err)
	}
}

// attempt performs one HTTP POST through the circuit breaker. A per-attempt
// timeout is applied; a timeout is treated as non-retryable (it is abandoned
// without the outer Retry trying again), since exceeding the upstream
// latency budget once is a strong signal it will happen again immediately.
// Client validation errors (400) are likewise non-retryable: the envelope is
// malformed and will fail identically on every attempt.
func (t *Transport) attempt(ctx context.Context, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	err := t.breaker.Call(attemptCtx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIURL+"/ingest", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			if attemptCtx.Err() != nil {
				return nil // timeout: treat as handled, do not retry
			}
			return fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil // validation failure: retrying will not help
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("ingest returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil && attemptCtx.Err() != nil {
		return nil
	}
	return err
}
