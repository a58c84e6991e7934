package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/retry"
	"github.com/teranos/reportd/pulse/schedule"
)

type stubDeliverer struct {
	ch       schedule.Channel
	validate func(Config) error
}

func (s *stubDeliverer) Channel() schedule.Channel { return s.ch }

func (s *stubDeliverer) Validate(cfg Config) error {
	if s.validate != nil {
		return s.validate(cfg)
	}
	return nil
}

func (s *stubDeliverer) Deliver(context.Context, Config, Envelope) (*Receipt, error) {
	return &Receipt{Detail: "ok"}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubDeliverer{ch: schedule.ChannelEmail})
	r.Register(&stubDeliverer{ch: schedule.ChannelWebhook})

	assert.NotNil(t, r.Get(schedule.ChannelEmail))
	assert.Nil(t, r.Get(schedule.ChannelFileStorage))
	assert.ElementsMatch(t, []schedule.Channel{schedule.ChannelEmail, schedule.ChannelWebhook}, r.Channels())

	assert.Panics(t, func() { r.Register(&stubDeliverer{ch: schedule.ChannelEmail}) })
}

func TestRegistry_ValidateSchedule(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubDeliverer{ch: schedule.ChannelEmail, validate: func(cfg Config) error {
		if cfg.String("to") == "" {
			return invalidConfig("to is required")
		}
		return nil
	}})

	ok := &schedule.Schedule{DeliveryMethods: []schedule.DeliveryMethod{
		{Channel: schedule.ChannelEmail, Config: map[string]any{"to": "a@example.com"}},
	}}
	require.NoError(t, r.ValidateSchedule(ok))

	badConfig := &schedule.Schedule{DeliveryMethods: []schedule.DeliveryMethod{
		{Channel: schedule.ChannelEmail, Config: map[string]any{}},
	}}
	err := r.ValidateSchedule(badConfig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schedule.ErrInvalidSchedule))
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "delivery_methods[0]")

	unavailable := &schedule.Schedule{DeliveryMethods: []schedule.DeliveryMethod{
		{Channel: schedule.ChannelFileStorage, Config: map[string]any{}},
	}}
	err = r.ValidateSchedule(unavailable)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schedule.ErrInvalidSchedule))
	assert.Contains(t, err.Error(), "not available")
}

func TestConfigAccessors(t *testing.T) {
	cfg := Config{
		"to":      []any{" a@example.com ", "", 7, "b@example.com"},
		"single":  "  one ",
		"flag":    true,
		"headers": map[string]any{"X-Team": "finance", "X-Bad": 3},
	}

	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Strings("to"))
	assert.Equal(t, []string{"one"}, cfg.Strings("single"))
	assert.Nil(t, cfg.Strings("missing"))
	assert.Equal(t, "one", cfg.String("single"))
	assert.Equal(t, "fallback", cfg.StringOr("missing", "fallback"))
	assert.True(t, cfg.Bool("flag"))
	assert.False(t, cfg.Bool("single"))
	assert.Equal(t, map[string]string{"X-Team": "finance"}, cfg.StringMap("headers"))
	assert.Empty(t, cfg.StringMap("missing"))
}

func TestInvalidConfigIsPermanent(t *testing.T) {
	assert.True(t, retry.IsPermanent(invalidConfig("bucket is required")))
}
