package commands

import (
	"bytes"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/schedule"
)

// scheduleFile is the YAML form of a schedule. A file may hold several
// documents separated by "---".
//
//	name: Weekday sales
//	report_id: sales-summary
//	cron: "0 9 * * 1-5"
//	timezone: Europe/Amsterdam
//	parameters: {region: emea}
//	delivery:
//	  - channel: email
//	    config: {to: [sales@example.com]}
type scheduleFile struct {
	ID          string                    `yaml:"id"`
	Name        string                    `yaml:"name"`
	Description string                    `yaml:"description"`
	ReportID    string                    `yaml:"report_id"`
	Cron        string                    `yaml:"cron"`
	Timezone    string                    `yaml:"timezone"`
	Enabled     *bool                     `yaml:"enabled"`
	Parameters  map[string]string         `yaml:"parameters"`
	Delivery    []schedule.DeliveryMethod `yaml:"delivery"`
	RetryPolicy *schedule.RetryPolicy     `yaml:"retry_policy"`
}

func (f scheduleFile) toSchedule() *schedule.Schedule {
	sch := &schedule.Schedule{
		ID:              f.ID,
		Name:            f.Name,
		Description:     f.Description,
		ReportID:        f.ReportID,
		CronExpression:  f.Cron,
		Timezone:        f.Timezone,
		Enabled:         f.Enabled == nil || *f.Enabled,
		Parameters:      f.Parameters,
		DeliveryMethods: f.Delivery,
	}
	if f.RetryPolicy != nil {
		sch.RetryPolicy = *f.RetryPolicy
	}
	return sch
}

// readScheduleFiles decodes every document in path ("-" reads stdin)
func readScheduleFiles(path string) ([]scheduleFile, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return decodeScheduleFiles(data)
}

func decodeScheduleFiles(data []byte) ([]scheduleFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []scheduleFile
	for i := 0; ; i++ {
		var f scheduleFile
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.WithHint(errors.Wrapf(err, "document %d", i+1),
				"fields: id, name, description, report_id, cron, timezone, enabled, parameters, delivery, retry_policy")
		}
		if f.Name == "" && f.Cron == "" && len(f.Delivery) == 0 {
			continue // empty document
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, errors.New("no schedules found")
	}
	return out, nil
}
