// Package config holds the startup coordinator configuration.
//
// Configuration is read from an optional YAML file; command line flags
// registered with BindFlags override file values.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/anvil-platform/startorder/internal/startup"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Schedule is the initial delay and period of a periodic task.
type Schedule struct {
	Delay  metav1.Duration `json:"delay"`
	Period metav1.Duration `json:"period"`
}

// NATS configures the NATS key-value runtime.
type NATS struct {
	URL                string `json:"url,omitempty"`
	ModulesBucket      string `json:"modulesBucket,omitempty"`
	CapabilitiesBucket string `json:"capabilitiesBucket,omitempty"`
	// ReadySubjectPrefix is followed by the component key when a listener fires.
	ReadySubjectPrefix string `json:"readySubjectPrefix,omitempty"`
}

// Config is the coordinator configuration.
type Config struct {
	Notifier    Schedule `json:"notifier"`
	Diagnostics Schedule `json:"diagnostics"`

	// HealthBindAddress is the gRPC health service address. Empty disables it.
	HealthBindAddress string `json:"healthBindAddress,omitempty"`
	// HealthService is the service name reported as a whole by the health service.
	HealthService string `json:"healthService,omitempty"`

	NATS NATS `json:"nats,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Notifier: Schedule{
			Delay:  metav1.Duration{Duration: startup.DefaultTimers.NotifierDelay},
			Period: metav1.Duration{Duration: startup.DefaultTimers.NotifierPeriod},
		},
		Diagnostics: Schedule{
			Delay:  metav1.Duration{Duration: startup.DefaultTimers.DiagnosticsDelay},
			Period: metav1.Duration{Duration: startup.DefaultTimers.DiagnosticsPeriod},
		},
		HealthBindAddress: ":9090",
		HealthService:     "startorder",
		NATS: NATS{
			URL:                "nats://127.0.0.1:4222",
			ModulesBucket:      "modules",
			CapabilitiesBucket: "capabilities",
			ReadySubjectPrefix: "startup.ready",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration after flags have been applied.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, d time.Duration, allowZero bool) {
		if d < 0 || (!allowZero && d == 0) {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d))
		}
	}
	check("notifier.delay", c.Notifier.Delay.Duration, true)
	check("notifier.period", c.Notifier.Period.Duration, false)
	check("diagnostics.delay", c.Diagnostics.Delay.Duration, true)
	check("diagnostics.period", c.Diagnostics.Period.Duration, false)
	if c.HealthBindAddress != "" && c.HealthService == "" {
		errs = append(errs, fmt.Errorf("%w: healthService is required with healthBindAddress", ErrInvalid))
	}
	return errors.Join(errs...)
}

// ValidateNATS checks the fields used by the NATS runtime.
func (c Config) ValidateNATS() error {
	var errs []error
	if c.NATS.URL == "" {
		errs = append(errs, fmt.Errorf("%w: nats.url is required", ErrInvalid))
	}
	if c.NATS.ModulesBucket == "" || c.NATS.CapabilitiesBucket == "" {
		errs = append(errs, fmt.Errorf("%w: nats buckets are required", ErrInvalid))
	}
	if c.NATS.ReadySubjectPrefix == "" {
		errs = append(errs, fmt.Errorf("%w: nats.readySubjectPrefix is required", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Timers converts the schedules for the coordinator.
func (c Config) Timers() startup.Timers {
	return startup.Timers{
		NotifierDelay:     c.Notifier.Delay.Duration,
		NotifierPeriod:    c.Notifier.Period.Duration,
		DiagnosticsDelay:  c.Diagnostics.Delay.Duration,
		DiagnosticsPeriod: c.Diagnostics.Period.Duration,
	}
}

// BindFlags registers flags that override c. Call before flag parsing.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.DurationVar(&c.Notifier.Delay.Duration, "notifier-delay", c.Notifier.Delay.Duration, "Delay before the first satisfaction sweep.")
	fs.DurationVar(&c.Notifier.Period.Duration, "notifier-period", c.Notifier.Period.Duration, "Interval between satisfaction sweeps.")
	fs.DurationVar(&c.Diagnostics.Delay.Duration, "diagnostics-delay", c.Diagnostics.Delay.Duration, "Delay before pending components are first reported.")
	fs.DurationVar(&c.Diagnostics.Period.Duration, "diagnostics-period", c.Diagnostics.Period.Duration, "Interval between pending component reports.")
	fs.StringVar(&c.HealthBindAddress, "health-grpc-bind-address", c.HealthBindAddress, "The address the gRPC health service binds to. Empty disables it.")
	fs.StringVar(&c.NATS.URL, "nats-url", c.NATS.URL, "NATS server URL.")
}

// Merge loads path and re-applies every flag explicitly set on fs, taking
// the flag values from flagged (the Config bound with BindFlags).
func Merge(path string, flagged Config, fs *flag.FlagSet) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "notifier-delay":
			cfg.Notifier.Delay = flagged.Notifier.Delay
		case "notifier-period":
			cfg.Notifier.Period = flagged.Notifier.Period
		case "diagnostics-delay":
			cfg.Diagnostics.Delay = flagged.Diagnostics.Delay
		case "diagnostics-period":
			cfg.Diagnostics.Period = flagged.Diagnostics.Period
		case "health-grpc-bind-address":
			cfg.HealthBindAddress = flagged.HealthBindAddress
		case "nats-url":
			cfg.NATS.URL = flagged.NATS.URL
		}
	})
	return cfg, cfg.Validate()
}
