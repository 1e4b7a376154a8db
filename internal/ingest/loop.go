// Package ingest keeps the registry in sync with the hub.
//
// A Loop owns the hub connection: it subscribes to the event stream, seeds
// the registry from a full device listing, then applies change events until
// the stream fails, and reconnects with exponential backoff. A Translator
// does the device to sample conversion.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/telemetry"
	"k8s.io/klog/v2"
)

// Config tunes reconnect behaviour. Zero fields take the model defaults.
type Config struct {
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// BackoffJitter is the randomization factor; negative disables jitter.
	BackoffJitter float64
	// MaxMalformed is the number of consecutive undecodable frames after
	// which the stream is considered broken.
	MaxMalformed   int
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = model.DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = model.DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = model.DefaultBackoffMultiplier
	}
	switch {
	case c.BackoffJitter == 0:
		c.BackoffJitter = model.DefaultBackoffJitter
	case c.BackoffJitter < 0:
		c.BackoffJitter = 0
	}
	if c.MaxMalformed <= 0 {
		c.MaxMalformed = model.DefaultMaxMalformed
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = model.DefaultRequestTimeout
	}
	return c
}

// Loop is the event ingestion state machine.
type Loop struct {
	hub     model.HubClient
	tr      *Translator
	metrics *telemetry.Metrics
	cfg     Config

	state atomic.Int32
	ready atomic.Bool
	since atomic.Int64

	sleep        func(ctx context.Context, d time.Duration) error
	onTransition func(from, to model.ConnState)
}

var _ model.StateReader = (*Loop)(nil)

// NewLoop creates a loop. metrics may be nil.
func NewLoop(hub model.HubClient, tr *Translator, metrics *telemetry.Metrics, cfg Config) *Loop {
	l := &Loop{
		hub:     hub,
		tr:      tr,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		sleep:   sleepContext,
	}
	l.since.Store(time.Now().UnixNano())
	return l
}

// State returns the current connection state.
func (l *Loop) State() model.ConnState {
	return model.ConnState(l.state.Load())
}

// Ready reports whether the loop has been subscribed at least once.
func (l *Loop) Ready() bool {
	return l.ready.Load()
}

// Since returns when the current state was entered.
func (l *Loop) Since() time.Time {
	return time.Unix(0, l.since.Load())
}

// Devices returns the devices known from the last listing and events.
func (l *Loop) Devices() []model.Device {
	return l.tr.Devices()
}

// Run connects and processes events until ctx is cancelled. It only
// returns on cancellation, always with a nil error.
func (l *Loop) Run(ctx context.Context) error {
	bo := l.newBackOff()
	defer l.transition(model.StateDisconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}
		l.transition(model.StateConnecting)
		subscribed, err := l.session(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}

		l.metrics.StreamFailed()
		if subscribed {
			l.transition(model.StateDegraded)
		} else {
			l.transition(model.StateDisconnected)
		}
		delay := bo.NextBackOff()
		klog.Warningf("ingest: %v; reconnecting in %s", err, delay.Round(time.Millisecond))
		if err := l.sleep(ctx, delay); err != nil {
			return nil
		}
		l.metrics.Reconnecting()
	}
}

// session runs one connection. It reports whether Subscribed was reached
// and always returns a non-nil error unless ctx was cancelled.
func (l *Loop) session(ctx context.Context, bo backoff.BackOff) (bool, error) {
	// Subscribe before listing so no change between the two is lost.
	stream, err := l.hub.Subscribe(ctx)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer stream.Close()

	listCtx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	devices, err := l.hub.Devices(listCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("list devices: %w", err)
	}
	l.tr.Seed(devices)

	bo.Reset()
	l.ready.Store(true)
	l.transition(model.StateSubscribed)

	malformed := 0
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if !errors.Is(err, model.ErrMalformedEvent) {
				return true, fmt.Errorf("event stream: %w", err)
			}
			l.metrics.Received()
			l.metrics.Dropped(telemetry.ReasonMalformed)
			malformed++
			klog.V(1).Infof("ingest: dropping frame (%d/%d): %v", malformed, l.cfg.MaxMalformed, err)
			if malformed >= l.cfg.MaxMalformed {
				return true, fmt.Errorf("event stream: %d consecutive malformed frames", malformed)
			}
			continue
		}
		malformed = 0
		l.metrics.Received()
		if err := l.tr.Apply(ev); err != nil {
			klog.V(1).Infof("ingest: dropping event: %v", err)
		}
	}
}

func (l *Loop) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.BackoffInitial
	bo.MaxInterval = l.cfg.BackoffMax
	bo.Multiplier = l.cfg.BackoffMultiplier
	bo.RandomizationFactor = l.cfg.BackoffJitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (l *Loop) transition(to model.ConnState) {
	from := model.ConnState(l.state.Swap(int32(to)))
	if from == to {
		return
	}
	l.since.Store(time.Now().UnixNano())
	l.metrics.SetState(to)
	klog.V(1).Infof("ingest: %s -> %s", from, to)
	if l.onTransition != nil {
		l.onTransition(from, to)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
