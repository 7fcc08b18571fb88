package eternity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DailyScheduleEntry names one workflow type the daily scheduler
// enqueues once per UTC calendar day.
type DailyScheduleEntry struct {
	TypeName string      `yaml:"type"`
	Input    interface{} `yaml:"input,omitempty"`
}

// DailyScheduleConfig is the YAML-configured type list.
type DailyScheduleConfig struct {
	Entries []DailyScheduleEntry `yaml:"workflows"`
}

// LoadDailyScheduleConfig reads and parses a YAML file at path.
func LoadDailyScheduleConfig(path string) (*DailyScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eternity: reading daily schedule config: %w", err)
	}
	var cfg DailyScheduleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("eternity: parsing daily schedule config: %w", err)
	}
	return &cfg, nil
}

// DailyScheduler enqueues each configured workflow type exactly once
// per UTC calendar day, using a deterministic id
// (typeName + "-" + date) so CreateUnique makes a retried or
// replica-duplicated tick a no-op rather than a duplicate workflow.
type DailyScheduler struct {
	engine   *Engine
	entries  []DailyScheduleEntry
	interval time.Duration
	logger   Logger
}

// NewDailyScheduler builds a DailyScheduler bound to engine and cfg.
func NewDailyScheduler(engine *Engine, cfg *DailyScheduleConfig) *DailyScheduler {
	return &DailyScheduler{
		engine:   engine,
		entries:  cfg.Entries,
		interval: time.Hour,
		logger:   engine.logger,
	}
}

// WithTickInterval overrides the default hourly tick.
func (d *DailyScheduler) WithTickInterval(interval time.Duration) *DailyScheduler {
	d.interval = interval
	return d
}

// Run blocks, ticking until ctx is cancelled.
func (d *DailyScheduler) Run(ctx context.Context) error {
	d.tick(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *DailyScheduler) tick(ctx context.Context) {
	date := d.engine.clock.Now().UTC().Format("2006-01-02")
	for _, entry := range d.entries {
		id := WorkflowID(entry.TypeName + "-" + date)
		_, err := d.engine.CreateUnique(ctx, id, entry.TypeName, entry.Input)
		if err != nil && !errors.Is(err, ErrAlreadyExists) {
			d.logger.Error(ctx, "daily scheduler: enqueue failed", "typeName", entry.TypeName, "date", date, "error", err)
		}
	}
}
