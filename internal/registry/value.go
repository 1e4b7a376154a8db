package registry

import (
	"fmt"
	"time"
)

// Kind is the value kind of a sample.
type Kind uint8

const (
	// KindGauge values overwrite the previous value.
	KindGauge Kind = iota
	// KindCounter values accumulate deltas, or replace the total when Set.
	KindCounter
	// KindTimestamp values are unix seconds of the last observation.
	KindTimestamp
	// KindInfo samples are a constant 1 carrying descriptive labels.
	KindInfo
)

func (k Kind) String() string {
	switch k {
	case KindGauge:
		return "gauge"
	case KindCounter:
		return "counter"
	case KindTimestamp:
		return "timestamp"
	case KindInfo:
		return "info"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for _, c := range []Kind{KindGauge, KindCounter, KindTimestamp, KindInfo} {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("registry: unknown kind %q", text)
}

// Value is one update applied to an identity.
type Value struct {
	Kind   Kind
	Number float64
	// Set makes a counter update replace the total instead of adding a delta.
	Set bool
	// Info holds the descriptive labels of an info sample. They are rendered
	// with the sample but are not part of its identity.
	Info []Label
	Help string
}

// Gauge returns a gauge value.
func Gauge(v float64) Value { return Value{Kind: KindGauge, Number: v} }

// Bool returns a 0/1 gauge value.
func Bool(b bool) Value {
	if b {
		return Gauge(1)
	}
	return Gauge(0)
}

// Counter returns a counter increment.
func Counter(delta float64) Value { return Value{Kind: KindCounter, Number: delta} }

// CounterTotal returns a counter update that replaces the running total.
func CounterTotal(total float64) Value { return Value{Kind: KindCounter, Number: total, Set: true} }

// Timestamp returns a last-observed timestamp value.
func Timestamp(t time.Time) Value {
	return Value{Kind: KindTimestamp, Number: float64(t.UnixNano()) / 1e9}
}

// Info returns an info value from alternating key/value strings.
func Info(kv ...string) Value {
	return Value{Kind: KindInfo, Number: 1, Info: NewIdentity("", kv...).Labels}
}

// WithHelp sets the help text rendered for the metric.
func (v Value) WithHelp(help string) Value {
	v.Help = help
	return v
}

// Sample is the current state of one identity. Samples are immutable once
// stored: every update installs a new Sample.
type Sample struct {
	Identity Identity  `json:"identity"`
	Kind     Kind      `json:"kind"`
	Value    float64   `json:"value"`
	Info     []Label   `json:"info,omitempty"`
	Help     string    `json:"help,omitempty"`
	Updated  time.Time `json:"updated"`
}
