// Package mapping translates hub device attributes into registry values.
//
// The translation is table driven so new device kinds can be covered from a
// YAML file without code changes.
package mapping

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/registry"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTable []byte

var (
	// ErrIgnored is returned for attributes listed under ignore.
	ErrIgnored = errors.New("attribute ignored")
	// ErrUnmapped is returned for attributes without a rule when auto mapping is off.
	ErrUnmapped = errors.New("attribute has no mapping rule")
	// ErrUnsupportedValue is returned when a value cannot be converted to the rule's type.
	ErrUnsupportedValue = errors.New("unsupported attribute value")
)

// Type is the export type of a mapped attribute.
type Type string

const (
	TypeGauge     Type = "gauge"
	TypeBool      Type = "bool"
	TypeCounter   Type = "counter"
	TypeTimestamp Type = "timestamp"
	TypeInfo      Type = "info"
)

// Rule maps one hub attribute to one metric.
type Rule struct {
	Attribute string  `yaml:"attribute"`
	Metric    string  `yaml:"metric"`
	Type      Type    `yaml:"type"`
	Help      string  `yaml:"help"`
	Scale     float64 `yaml:"scale"`
}

// file is the YAML shape. Pointer fields let an override file leave
// settings of the base table untouched.
type file struct {
	Auto   *bool    `yaml:"auto"`
	Prefix *string  `yaml:"prefix"`
	Ignore []string `yaml:"ignore"`
	Rules  []Rule   `yaml:"rules"`
}

// Table is an immutable attribute mapping.
type Table struct {
	auto    bool
	prefix  string
	ignore  map[string]struct{}
	rules   map[string]Rule
	ordered []string
}

// Mapped is the result of resolving one attribute value.
type Mapped struct {
	Metric string
	Value  registry.Value
}

// Default returns the built-in table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("mapping: invalid built-in table: %v", err))
	}
	return t
}

// Parse builds a table from YAML.
func Parse(data []byte) (*Table, error) {
	t := &Table{
		ignore: make(map[string]struct{}),
		rules:  make(map[string]Rule),
	}
	if err := t.apply(data); err != nil {
		return nil, err
	}
	return t, nil
}

// Load returns the default table with the YAML file at path merged on top.
// Rules in the file replace default rules for the same attribute. An empty
// path returns the default table.
func Load(path string) (*Table, error) {
	t := Default()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}
	if err := t.apply(data); err != nil {
		return nil, fmt.Errorf("mapping: %s: %w", path, err)
	}
	return t, nil
}

func (t *Table) apply(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if f.Auto != nil {
		t.auto = *f.Auto
	}
	if f.Prefix != nil {
		t.prefix = *f.Prefix
	}
	for _, attr := range f.Ignore {
		t.ignore[attr] = struct{}{}
	}
	for i, r := range f.Rules {
		if r.Attribute == "" {
			return fmt.Errorf("rule %d: attribute is required", i)
		}
		if r.Metric == "" {
			r.Metric = SnakeCase(r.Attribute)
		}
		switch r.Type {
		case "":
			r.Type = TypeGauge
		case TypeGauge, TypeBool, TypeCounter, TypeTimestamp, TypeInfo:
		default:
			return fmt.Errorf("rule %q: unknown type %q", r.Attribute, r.Type)
		}
		if r.Scale == 0 {
			r.Scale = 1
		}
		if !model.LegacyValidation.IsValidMetricName(t.prefix + r.Metric) {
			return fmt.Errorf("rule %q: invalid metric name %q", r.Attribute, t.prefix+r.Metric)
		}
		if _, exists := t.rules[r.Attribute]; !exists {
			t.ordered = append(t.ordered, r.Attribute)
		}
		delete(t.ignore, r.Attribute)
		t.rules[r.Attribute] = r
	}
	if !model.LegacyValidation.IsValidMetricName(t.prefix + "x") {
		return fmt.Errorf("invalid metric prefix %q", t.prefix)
	}
	return nil
}

// Prefix returns the metric name prefix shared by every device metric.
func (t *Table) Prefix() string { return t.prefix }

// Auto reports whether unlisted attributes are mapped by shape.
func (t *Table) Auto() bool { return t.auto }

// Rules returns the explicit rules in declaration order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.ordered))
	for _, attr := range t.ordered {
		out = append(out, t.rules[attr])
	}
	return out
}

// Resolve maps one attribute value. The returned metric name includes the prefix.
func (t *Table) Resolve(attr string, v any) (Mapped, error) {
	if _, ok := t.ignore[attr]; ok {
		return Mapped{}, ErrIgnored
	}
	rule, ok := t.rules[attr]
	if !ok {
		if !t.auto {
			return Mapped{}, ErrUnmapped
		}
		var err error
		if rule, err = autoRule(attr, v); err != nil {
			return Mapped{}, err
		}
	}

	val, err := convert(rule, v)
	if err != nil {
		return Mapped{}, fmt.Errorf("%s: %w", attr, err)
	}
	help := rule.Help
	if help == "" {
		help = fmt.Sprintf("Value of the %s device attribute.", attr)
	}
	return Mapped{Metric: t.prefix + rule.Metric, Value: val.WithHelp(help)}, nil
}

func autoRule(attr string, v any) (Rule, error) {
	r := Rule{Attribute: attr, Metric: SnakeCase(attr), Scale: 1}
	switch v.(type) {
	case float64, int, int64:
		r.Type = TypeGauge
	case bool:
		r.Type = TypeBool
	case string:
		r.Type = TypeInfo
	default:
		return Rule{}, fmt.Errorf("%s: %w: %T", attr, ErrUnsupportedValue, v)
	}
	if r.Metric == "" {
		return Rule{}, fmt.Errorf("%s: %w: empty metric name", attr, ErrUnsupportedValue)
	}
	return r, nil
}

func convert(rule Rule, v any) (registry.Value, error) {
	switch rule.Type {
	case TypeGauge:
		f, err := toFloat(v)
		if err != nil {
			return registry.Value{}, err
		}
		return registry.Gauge(f * rule.Scale), nil
	case TypeCounter:
		f, err := toFloat(v)
		if err != nil {
			return registry.Value{}, err
		}
		return registry.CounterTotal(f * rule.Scale), nil
	case TypeBool:
		b, err := toBool(v)
		if err != nil {
			return registry.Value{}, err
		}
		return registry.Bool(b), nil
	case TypeTimestamp:
		ts, err := toTime(v)
		if err != nil {
			return registry.Value{}, err
		}
		return registry.Timestamp(ts), nil
	case TypeInfo:
		s, err := toString(v)
		if err != nil {
			return registry.Value{}, err
		}
		return registry.Info("value", s), nil
	}
	return registry.Value{}, fmt.Errorf("%w: type %q", ErrUnsupportedValue, rule.Type)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return 0, fmt.Errorf("%w: NaN", ErrUnsupportedValue)
		}
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrUnsupportedValue, x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", ErrUnsupportedValue, v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "on", "1":
			return true, nil
		case "false", "f", "no", "n", "off", "0":
			return false, nil
		}
		return false, fmt.Errorf("%w: %q is not a boolean", ErrUnsupportedValue, x)
	}
	return false, fmt.Errorf("%w: %T is not a boolean", ErrUnsupportedValue, v)
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q is not a timestamp", ErrUnsupportedValue, x)
		}
		return ts, nil
	case float64:
		sec, frac := math.Modf(x)
		return time.Unix(int64(sec), int64(frac*1e9)), nil
	}
	return time.Time{}, fmt.Errorf("%w: %T is not a timestamp", ErrUnsupportedValue, v)
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: %T is not a scalar", ErrUnsupportedValue, v)
}

// SnakeCase converts a camelCase hub attribute name into a metric-safe
// snake_case name: "currentPM25" becomes "current_pm25".
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	lastUnderscore := true
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r >= 'A' && r <= 'Z':
			prevLower := i > 0 && (isLower(runes[i-1]) || isDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && isLower(runes[i+1]) && i > 0 && isUpper(runes[i-1])
			if (prevLower || nextLower) && !lastUnderscore {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			lastUnderscore = false
		case isLower(r) || isDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && isDigit(rune(out[0])) {
		out = "_" + out
	}
	return out
}

func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }
