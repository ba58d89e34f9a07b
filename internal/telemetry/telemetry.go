// Package telemetry ingests recorded datasets into a telemetry backend.
//
// A dataset is replayed as a run: one announcement followed by batches
// of flows, each flow carrying the angle and distance channels of one
// reading.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/lidarlog/config"
	"github.com/xtxerr/lidarlog/internal/constants"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/export"
	"github.com/xtxerr/lidarlog/internal/logging"
	"github.com/xtxerr/lidarlog/internal/storage/types"
	"github.com/xtxerr/lidarlog/internal/validation"
)

var log = logging.Component("telemetry")

// RunTimeLayout formats the timestamp suffix of run names.
const RunTimeLayout = "2006-01-02T15-04-05"

// Channels holds the channel values of one flow.
type Channels struct {
	Angle    float64 `json:"angle"`
	Distance float64 `json:"distance"`
}

// Flow is one timestamped set of channel values.
type Flow struct {
	Flow      string    `json:"flow"`
	Asset     string    `json:"asset"`
	Run       string    `json:"run"`
	Timestamp time.Time `json:"timestamp"`
	Channels  Channels  `json:"channels"`
}

// Run announces a run before its flows are published.
type Run struct {
	Name        string    `json:"run"`
	Asset       string    `json:"asset"`
	ClientKey   string    `json:"client_key"`
	Description string    `json:"description"`
	Channels    []string  `json:"channels"`
	Started     time.Time `json:"started"`
}

// Publisher delivers runs and flow batches to the backend.
type Publisher interface {
	AttachRun(ctx context.Context, run Run) error
	Publish(ctx context.Context, run Run, flows []Flow) error
	Close() error
}

// Config configures ingestion.
type Config struct {
	Server         string        `yaml:"server" json:"server"`
	ClientID       string        `yaml:"client_id" json:"client_id"`
	Username       string        `yaml:"username" json:"username,omitempty"`
	Password       string        `yaml:"password" json:"-"`
	Topic          string        `yaml:"topic" json:"topic"`
	AssetName      string        `yaml:"asset_name" json:"asset_name"`
	ClientKey      string        `yaml:"client_key" json:"-"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size"`
	PublishTimeout time.Duration `yaml:"-" json:"-"`
}

// DefaultConfig returns the ingestion defaults. Server, asset name and
// client key have none.
func DefaultConfig() Config {
	return Config{
		ClientID:       config.DefaultTelemetryClientID,
		Topic:          config.DefaultTelemetryTopic,
		BatchSize:      config.DefaultTelemetryBatchSize,
		PublishTimeout: config.DefaultTelemetryPublishTimeout,
	}
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool {
	return c.Server != ""
}

// Validate checks the configuration.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()

	if c.Server == "" {
		errs.AddMissing("telemetry.server")
	}
	if c.AssetName == "" {
		errs.AddMissing("telemetry.asset_name")
	} else if !topicSafe(c.AssetName) {
		errs.AddField("telemetry.asset_name", "must not contain '/', '+' or '#'")
	}
	if c.ClientKey == "" {
		errs.AddMissing("telemetry.client_key")
	}
	if c.Topic == "" || strings.ContainsAny(c.Topic, "+#") {
		errs.AddField("telemetry.topic", "must be a non-empty topic without wildcards")
	}
	if c.BatchSize <= 0 {
		errs.AddField("telemetry.batch_size", "must be positive")
	}

	return errs.Err()
}

func topicSafe(s string) bool {
	return !strings.ContainsAny(s, "/+#")
}

// Source is a dataset that can be ingested.
type Source = export.Source

// Result describes a finished ingestion.
type Result struct {
	Run     string `json:"run"`
	Flows   int64  `json:"flows"`
	Batches int    `json:"batches"`
}

// Ingester replays datasets through a Publisher.
type Ingester struct {
	cfg Config
	pub Publisher
	now func() time.Time
}

// NewIngester returns an Ingester. cfg must validate.
func NewIngester(cfg Config, pub Publisher) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ingester{cfg: cfg, pub: pub, now: time.Now}, nil
}

// RunName returns the run name for base at t.
func RunName(base string, t time.Time) string {
	return base + "-" + t.Format(RunTimeLayout)
}

// Ingest publishes every closed session of src as a new run named after
// runName. Flows are published in batches of the configured size.
func (in *Ingester) Ingest(ctx context.Context, src Source, runName string) (Result, error) {
	if err := validation.ValidateRunName(runName); err != nil {
		return Result{}, err
	}

	started := in.now()
	run := Run{
		Name:        RunName(runName, started),
		Asset:       in.cfg.AssetName,
		ClientKey:   in.cfg.ClientKey,
		Description: "lidar dataset ingestion",
		Channels:    []string{constants.ChannelAngle, constants.ChannelDistance},
		Started:     started.UTC(),
	}
	res := Result{Run: run.Name}

	ctx = logging.ContextWithFile(ctx, run.Name)
	logger := logging.WithContext(ctx)

	if err := in.pub.AttachRun(ctx, run); err != nil {
		return res, fmt.Errorf("attach run: %w", err)
	}

	batch := make([]Flow, 0, in.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := in.pub.Publish(ctx, run, batch); err != nil {
			return fmt.Errorf("publish batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		res.Flows += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for r, err := range export.Readings(src) {
		if err != nil {
			return res, err
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch = append(batch, in.flow(run, r))
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	logger.Info("dataset ingested", "run", run.Name, "flows", res.Flows, "batches", res.Batches)
	return res, nil
}

func (in *Ingester) flow(run Run, r types.Reading) Flow {
	return Flow{
		Flow:      constants.TelemetryFlowName,
		Asset:     run.Asset,
		Run:       run.Name,
		Timestamp: r.Time().UTC(),
		Channels:  Channels{Angle: r.Angle, Distance: r.Distance},
	}
}
