package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// DefaultSettingsFile is read from the working directory when no path is given.
const DefaultSettingsFile = "simlaunch.yaml"

// EnvPrefix prefixes environment overrides for settings.
const EnvPrefix = "SIMLAUNCH_"

// DefaultSettings returns the built-in settings.
func DefaultSettings() *Settings {
	return &Settings{
		GracePeriod:     engine.DefaultGracePeriod,
		AttachTimeout:   engine.DefaultAttachTimeout,
		MaxIncludeDepth: engine.DefaultMaxIncludeDepth,
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsSettings{
			Address: ":9090",
		},
		Tracing: TracingSettings{
			Exporter: "none",
		},
		Policy: PolicySettings{
			Mode: "advisory",
		},
	}
}

// LoadSettings reads settings from path. An empty path reads
// DefaultSettingsFile if it exists and falls back to defaults otherwise.
// Environment overrides are applied before validation. A nil lookupEnv
// uses os.LookupEnv.
func LoadSettings(path string, lookupEnv func(string) (string, bool)) (*Settings, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	s := DefaultSettings()

	explicit := path != ""
	if !explicit {
		path = DefaultSettingsFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := s.decode(data); err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("failed to parse settings %s", path), err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read settings %s", path), err)
	}

	if err := s.applyEnv(lookupEnv); err != nil {
		return nil, engine.NewConfigError("invalid settings environment override", err)
	}
	if err := s.Validate(); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid settings %s", path), err)
	}
	return s, nil
}

func (s *Settings) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	durations := map[string]*time.Duration{
		"GRACE_PERIOD":    &s.GracePeriod,
		"ATTACH_TIMEOUT":  &s.AttachTimeout,
		"COMMAND_TIMEOUT": &s.CommandTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_INCLUDE_DEPTH"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_INCLUDE_DEPTH: %w", EnvPrefix, err)
		}
		s.MaxIncludeDepth = n
	}

	strs := map[string]*string{
		"LOG_LEVEL":        &s.Logging.Level,
		"LOG_FORMAT":       &s.Logging.Format,
		"TRACING_EXPORTER": &s.Tracing.Exporter,
		"TRACING_ENDPOINT": &s.Tracing.Endpoint,
		"POLICY_DIR":       &s.Policy.Directory,
		"POLICY_MODE":      &s.Policy.Mode,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup(EnvPrefix + "METRICS_ADDRESS"); ok && v != "" {
		s.Metrics.Enabled = true
		s.Metrics.Address = v
	}
	if s.Tracing.Exporter != "none" && s.Tracing.Exporter != "" {
		s.Tracing.Enabled = true
	}
	if v, ok := lookup(EnvPrefix + "LOADER_TEMPLATE"); ok {
		s.LoaderTemplate = strings.Fields(v)
	}
	return nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	return validator.New().Struct(s)
}
