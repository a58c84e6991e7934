package schedule

import (
	"strings"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/cron"
)

// Validate checks the schedule's own fields: cron expression, timezone,
// delivery list and retry policy. Channel-specific config is checked by the
// delivery registry.
func Validate(s *Schedule) error {
	invalid := func(format string, args ...interface{}) error {
		return fail(ErrInvalidSchedule, format, args...)
	}

	if strings.TrimSpace(s.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(s.ReportID) == "" {
		return invalid("report_id is required")
	}
	if err := cron.Validate(s.CronExpression, s.Timezone); err != nil {
		return markAs(err, ErrInvalidSchedule)
	}

	if len(s.DeliveryMethods) == 0 {
		return errors.WithHint(invalid("at least one delivery method is required"),
			"add an email, file_storage, api_endpoint or webhook method")
	}
	seen := make(map[Channel]bool, len(s.DeliveryMethods))
	for i, m := range s.DeliveryMethods {
		if !m.Channel.Valid() {
			return invalid("delivery_methods[%d]: unknown channel %q", i, m.Channel)
		}
		// (execution, channel) identifies a delivery, so a channel type may appear once
		if seen[m.Channel] {
			return errors.WithHint(invalid("delivery_methods[%d]: channel %q configured twice", i, m.Channel),
				"list several recipients in one method's config instead")
		}
		seen[m.Channel] = true
		if m.RetryPolicy != nil {
			if err := m.RetryPolicy.Policy().Validate(); err != nil {
				return invalid("delivery_methods[%d].retry_policy: %s", i, err.Error())
			}
		}
	}

	if err := s.RetryPolicy.Policy().Validate(); err != nil {
		return invalid("retry_policy: %s", err.Error())
	}
	for k := range s.Parameters {
		if !validParamName(k) {
			return invalid("parameter name %q must be letters, digits or underscores", k)
		}
	}
	return nil
}

func validParamName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
