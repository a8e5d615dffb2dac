// Package metric defines the usage and technical measurements the gateway
// attaches to every proxied response.
package metric

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Kind is the value type of a metric.
type Kind string

// Metric kinds.
const (
	KindInt    Kind = "INT"
	KindDouble Kind = "DOUBLE"
	KindString Kind = "STRING"
)

// Unit labels.
const (
	UnitToken        = "token"
	UnitByte         = "byte"
	UnitResponseTime = "ESP Response Time (ms)"
	UnitNone         = ""
)

// Well-known metric names.
const (
	NameServiceResponseTime = "ESP_SRT"
	NameTokenCount          = "TokenCount"
	NameRequestTokenCount   = "RequestTokenCount"
	NameReplyTokenCount     = "ReplyTokenCount"
	NameModel               = "LLMModel"
	NameRequestBytes        = "RequestBytes"
	NameResponseBytes       = "ResponseBytes"
)

// Metric is a single immutable measurement. Value is kept in its textual form.
type Metric struct {
	Name        string `json:"-"`
	Kind        Kind   `json:"type"`
	Value       string `json:"value"`
	Unit        string `json:"unit"`
	ServiceRef  string `json:"serviceRef,omitempty"`
	ServicePath string `json:"servicePath,omitempty"`
}

// Int builds an INT metric.
func Int(name string, v int64, unit string) Metric {
	return Metric{Name: name, Kind: KindInt, Value: strconv.FormatInt(v, 10), Unit: unit}
}

// Double builds a DOUBLE metric.
func Double(name string, v float64, unit string) Metric {
	return Metric{Name: name, Kind: KindDouble, Value: strconv.FormatFloat(v, 'f', -1, 64), Unit: unit}
}

// String builds a STRING metric.
func String(name, v, unit string) Metric {
	return Metric{Name: name, Kind: KindString, Value: v, Unit: unit}
}

// Int64 parses the value of an INT metric.
func (m Metric) Int64() (int64, error) {
	if m.Kind != KindInt {
		return 0, fmt.Errorf("metric %s is %s, not INT", m.Name, m.Kind)
	}
	return strconv.ParseInt(m.Value, 10, 64)
}

// Metrics is an insertion-ordered set of metrics keyed by name.
// The zero value is ready to use. It is not safe for concurrent mutation;
// producers build one per request and never touch it after attaching it.
type Metrics struct {
	order []string
	items map[string]Metric
}

// New returns a collection holding ms in order.
func New(ms ...Metric) *Metrics {
	c := &Metrics{}
	for _, m := range ms {
		c.Add(m)
	}
	return c
}

// Add inserts m, replacing any metric with the same name in place.
func (c *Metrics) Add(m Metric) {
	if c.items == nil {
		c.items = make(map[string]Metric)
	}
	if _, ok := c.items[m.Name]; !ok {
		c.order = append(c.order, m.Name)
	}
	c.items[m.Name] = m
}

// AddToComponent inserts m tagged with the calling service reference and path.
func (c *Metrics) AddToComponent(serviceRef, servicePath string, m Metric) {
	m.ServiceRef = serviceRef
	m.ServicePath = servicePath
	c.Add(m)
}

// Get returns the metric named name.
func (c *Metrics) Get(name string) (Metric, bool) {
	if c == nil {
		return Metric{}, false
	}
	m, ok := c.items[name]
	return m, ok
}

// Len returns the number of metrics.
func (c *Metrics) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// Names returns metric names in insertion order.
func (c *Metrics) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.order...)
}

// MarshalJSON writes a flat object keyed by metric name, preserving insertion order.
func (c *Metrics) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if c != nil {
		for i, name := range c.order {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(name)
			if err != nil {
				return nil, err
			}
			val, err := json.Marshal(c.items[name])
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// String returns the JSON form, or "{}" if it cannot be encoded.
func (c *Metrics) String() string {
	b, err := c.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(b)
}
