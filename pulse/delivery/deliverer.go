// Package delivery sends completed reports to their configured channels and
// tracks every channel independently: each has its own attempt count, retry
// budget and log, and a failing channel never delays the others.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/report"
	"github.com/teranos/reportd/pulse/retry"
	"github.com/teranos/reportd/pulse/schedule"
)

// Envelope is everything a channel may need to deliver one report
type Envelope struct {
	Schedule  *schedule.Schedule
	Execution *schedule.Execution
	Artifact  *report.Artifact
}

// Receipt describes a successful delivery. Detail is stored in the delivery log.
type Receipt struct {
	Detail string
}

// Deliverer is one channel implementation.
//
// Deliver must honour ctx and should mark failures that will recur on every
// attempt (bad recipient, 4xx response, missing bucket) with retry.Permanent
// so the channel's remaining budget is not spent on them.
type Deliverer interface {
	Channel() schedule.Channel
	Validate(cfg Config) error
	Deliver(ctx context.Context, cfg Config, env Envelope) (*Receipt, error)
}

// Registry maps channel types to their Deliverer.
// Safe for concurrent registration and lookup.
type Registry struct {
	deliverers map[schedule.Channel]Deliverer
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{deliverers: make(map[schedule.Channel]Deliverer)}
}

// Register adds a deliverer under its channel.
// Panics if the channel is already registered.
func (r *Registry) Register(d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := d.Channel()
	if _, exists := r.deliverers[ch]; exists {
		panic(fmt.Sprintf("deliverer already registered for channel: %s", ch))
	}
	r.deliverers[ch] = d
}

// Get returns the deliverer for ch, or nil
func (r *Registry) Get(ch schedule.Channel) Deliverer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deliverers[ch]
}

// Channels returns the registered channel types
func (r *Registry) Channels() []schedule.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schedule.Channel, 0, len(r.deliverers))
	for ch := range r.deliverers {
		out = append(out, ch)
	}
	return out
}

// ValidateSchedule checks each delivery method's config against its channel.
// Failures are schedule validation errors.
func (r *Registry) ValidateSchedule(sch *schedule.Schedule) error {
	for i, m := range sch.DeliveryMethods {
		d := r.Get(m.Channel)
		if d == nil {
			return schedule.InvalidSchedule(errors.Newf("delivery_methods[%d]: channel %q is not available", i, m.Channel))
		}
		if err := d.Validate(Config(m.Config)); err != nil {
			return schedule.InvalidSchedule(errors.Wrapf(err, "delivery_methods[%d] (%s)", i, m.Channel))
		}
	}
	return nil
}

// Config is a delivery method's channel-specific settings
type Config map[string]any

// String returns a trimmed string value, or "" when absent or not a string
func (c Config) String(key string) string {
	if s, ok := c[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// StringOr returns String(key), or def when it is empty
func (c Config) StringOr(key, def string) string {
	if s := c.String(key); s != "" {
		return s
	}
	return def
}

// Strings accepts either a single string or a list of strings
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

// Bool returns a boolean value, false when absent
func (c Config) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

// StringMap returns a map of string values, skipping non-string entries
func (c Config) StringMap(key string) map[string]string {
	out := make(map[string]string)
	switch v := c[key].(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// invalidConfig reports a config problem. It is permanent: retrying an
// attempt cannot fix the schedule's config.
func invalidConfig(format string, args ...interface{}) error {
	return retry.Permanent(errors.Newf(format, args...))
}
