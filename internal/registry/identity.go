package registry

import (
	"sort"
	"strconv"
	"strings"
)

// Label is one key/value pair of a metric identity.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Identity is a metric name plus its label set. Labels are kept sorted by
// key and deduplicated, so two identities built from the same pairs in any
// order compare equal.
type Identity struct {
	Name   string  `json:"name"`
	Labels []Label `json:"labels,omitempty"`
}

// NewIdentity builds an identity from alternating key/value strings.
// A trailing key without a value is paired with "".
func NewIdentity(name string, kv ...string) Identity {
	labels := make([]Label, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		l := Label{Key: kv[i]}
		if i+1 < len(kv) {
			l.Value = kv[i+1]
		}
		labels = append(labels, l)
	}
	return Identity{Name: name, Labels: normalizeLabels(labels)}
}

// WithLabels returns an identity whose label set is labels, normalised.
func WithLabels(name string, labels []Label) Identity {
	return Identity{Name: name, Labels: normalizeLabels(append([]Label(nil), labels...))}
}

// normalizeLabels dedupes by key (last occurrence wins) and sorts by key.
func normalizeLabels(labels []Label) []Label {
	if len(labels) == 0 {
		return nil
	}
	idx := make(map[string]int, len(labels))
	out := labels[:0]
	for _, l := range labels {
		if i, ok := idx[l.Key]; ok {
			out[i].Value = l.Value
			continue
		}
		idx[l.Key] = len(out)
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Get returns the value of a label.
func (id Identity) Get(key string) (string, bool) {
	for _, l := range id.Labels {
		if l.Key == key {
			return l.Value, true
		}
	}
	return "", false
}

// Keys returns the label keys in order.
func (id Identity) Keys() []string {
	keys := make([]string, len(id.Labels))
	for i, l := range id.Labels {
		keys[i] = l.Key
	}
	return keys
}

// String renders the identity in exposition style, e.g. `up{job="x"}`.
// It is also the map key used by the Registry.
func (id Identity) String() string {
	if len(id.Labels) == 0 {
		return id.Name
	}
	var b strings.Builder
	b.WriteString(id.Name)
	b.WriteByte('{')
	for i, l := range id.Labels {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Key)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(l.Value))
	}
	b.WriteByte('}')
	return b.String()
}
