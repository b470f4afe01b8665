package backlog

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/config"
)

// DefaultMaxUsers bounds one sweep when max_users is not set
const DefaultMaxUsers = 50

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduleFile is a standalone sweep schedule, merged over the main config
type ScheduleFile struct {
	Sweeps []config.SweepConfig `toml:"sweep"`
}

// ParseCron parses a five-field cron expression or a descriptor like @hourly
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Validate checks a sweep and fills in defaults
func Validate(s *config.SweepConfig) error {
	if s.Name == "" {
		return fmt.Errorf("sweep name is required")
	}
	if s.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if s.MaxUsers <= 0 {
		s.MaxUsers = DefaultMaxUsers
	}
	return nil
}

// LoadScheduleFile loads sweeps from a TOML file. A missing file yields none.
func LoadScheduleFile(path string) ([]config.SweepConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f ScheduleFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	for i := range f.Sweeps {
		if err := Validate(&f.Sweeps[i]); err != nil {
			return nil, fmt.Errorf("sweep %d: %w", i, err)
		}
	}
	return f.Sweeps, nil
}

// Merge overlays extra sweeps on base; a sweep in extra replaces the one
// with the same name in base
func Merge(base, extra []config.SweepConfig) []config.SweepConfig {
	out := make([]config.SweepConfig, 0, len(base)+len(extra))
	seen := make(map[string]int)
	for _, s := range append(append([]config.SweepConfig(nil), base...), extra...) {
		if i, ok := seen[s.Name]; ok {
			out[i] = s
			continue
		}
		seen[s.Name] = len(out)
		out = append(out, s)
	}
	return out
}
