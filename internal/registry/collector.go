package registry

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector adapts a Registry to prometheus.Collector.
// It is unchecked: the set of metrics changes as devices come and go.
type Collector struct {
	reg *Registry
}

// Collector returns a prometheus.Collector reading from r.
func (r *Registry) Collector() *Collector {
	return &Collector{reg: r}
}

// Describe sends nothing, which marks the collector as unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect renders one snapshot. A sample that cannot be rendered (for
// example a label schema that conflicts with other samples of the same
// name) is reported as an invalid metric without affecting the others.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap, err := c.reg.Snapshot()
	if err != nil {
		return
	}

	descs := make(map[string]*prometheus.Desc)
	for _, s := range snap.Samples {
		keys, values := renderLabels(s)
		descKey := s.Identity.Name + "\xff" + strings.Join(keys, "\xff")
		desc, ok := descs[descKey]
		if !ok {
			help := s.Help
			if help == "" {
				help = fmt.Sprintf("Hub metric %s.", s.Identity.Name)
			}
			desc = prometheus.NewDesc(s.Identity.Name, help, keys, nil)
			descs[descKey] = desc
		}

		vt := prometheus.GaugeValue
		if s.Kind == KindCounter {
			vt = prometheus.CounterValue
		}
		m, err := prometheus.NewConstMetric(desc, vt, s.Value, values...)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(desc, err)
			continue
		}
		ch <- m
	}
}

// renderLabels returns identity labels followed by info labels.
func renderLabels(s Sample) ([]string, []string) {
	keys := s.Identity.Keys()
	values := make([]string, 0, len(keys)+len(s.Info))
	for _, l := range s.Identity.Labels {
		values = append(values, l.Value)
	}
	for _, l := range s.Info {
		keys = append(keys, l.Key)
		values = append(values, l.Value)
	}
	return keys, values
}
