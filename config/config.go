package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/perdisci/fluxbuster/clustering"
	"github.com/perdisci/fluxbuster/collector"
)

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

type Config struct {
	Clustering ClusteringConfig `yaml:"clustering"`
	Input      InputConfig      `yaml:"input"`
	Collector  CollectorConfig  `yaml:"collector"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Log        LogConfig        `yaml:"log"`
}

type ClusteringConfig struct {
	Gamma                  float64 `yaml:"gamma" validate:"gt=0"`
	MinTotalRRSetSize      int     `yaml:"min_total_rrset_size" validate:"min=1"`
	MinTotalDiversity      float64 `yaml:"min_total_diversity" validate:"min=0,max=1"`
	VeryShortTTL           float64 `yaml:"very_short_ttl" validate:"min=0"`
	GoodCandidateThreshold float64 `yaml:"good_candidate_threshold" validate:"min=0,max=1"`
	MaxCandidateDomains    int     `yaml:"max_candidate_domains" validate:"min=1"`
	Linkage                string  `yaml:"linkage" validate:"oneof=single complete"`
	MaxCutHeight           float64 `yaml:"max_cut_height" validate:"min=0,max=1"`
	Multithreaded          bool    `yaml:"multithreaded"`
	Workers                int     `yaml:"workers" validate:"min=1"`
	TieBreak               string  `yaml:"tie_break" validate:"oneof=first uniform"`
	Seed                   int64   `yaml:"seed"` // 0 seeds from the clock
	WhitelistFile          string  `yaml:"whitelist_file"`
	SelectedDomainsFile    string  `yaml:"selected_domains_file"`
}

type InputConfig struct {
	CandidateDir     string `yaml:"candidate_dir" validate:"required"`
	FilePattern      string `yaml:"file_pattern" validate:"required"`
	TimestampPattern string `yaml:"timestamp_pattern" validate:"required"`
}

type CollectorConfig struct {
	Socket                 string        `yaml:"socket" validate:"required"`
	OutputDir              string        `yaml:"output_dir" validate:"required"`
	FilePrefix             string        `yaml:"file_prefix" validate:"required"`
	RotateInterval         time.Duration `yaml:"rotate_interval" validate:"gt=0"`
	Buffer                 int           `yaml:"buffer" validate:"min=1"`
	MaxSuspiciousTTL       uint32        `yaml:"max_suspicious_ttl"`
	MinSuspiciousRRSetSize int           `yaml:"min_suspicious_rrset_size" validate:"min=1"`
	MinSuspiciousDiversity float64       `yaml:"min_suspicious_diversity" validate:"min=0,max=1"`
	MinTotalRRSetSize      int           `yaml:"min_total_rrset_size" validate:"min=1"`
	MinTotalDiversity      float64       `yaml:"min_total_diversity" validate:"min=0,max=1"`
	MinTotalQueryVolume    int64         `yaml:"min_total_query_volume" validate:"min=0"`
	VeryShortTTL           uint32        `yaml:"very_short_ttl"`
	ExpirationWindow       time.Duration `yaml:"expiration_window" validate:"gt=0"`
	ExpirationProbe        time.Duration `yaml:"expiration_probe" validate:"gt=0"`
	MetricsListen          string        `yaml:"metrics_listen"` // empty disables /metrics
}

type ClickHouseConfig struct {
	DSN             string `yaml:"dsn" validate:"required"`
	SensorName      string `yaml:"sensor_name" validate:"required"`
	ConnectAttempts int    `yaml:"connect_attempts" validate:"min=1"`
}

type DashboardConfig struct {
	Listen string `yaml:"listen" validate:"required"`
	User   string `yaml:"user"`
	Pass   string `yaml:"pass"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	ex := collector.DefaultExtractorConfig()
	return &Config{
		Clustering: ClusteringConfig{
			Gamma:                  1.0,
			MinTotalRRSetSize:      3,
			MinTotalDiversity:      0.5,
			VeryShortTTL:           30,
			GoodCandidateThreshold: 0.5,
			MaxCandidateDomains:    5000,
			Linkage:                "complete",
			MaxCutHeight:           0.75,
			Workers:                1,
			TieBreak:               "first",
		},
		Input: InputConfig{
			CandidateDir:     "CANDIDATE_FLUX_DOMAINS",
			FilePattern:      `^SIE_candidate_flux_domains\.\d+\.gz$`,
			TimestampPattern: `\d{9,}`,
		},
		Collector: CollectorConfig{
			Socket:                 "/run/dnsdist/dnstap.sock",
			OutputDir:              "CANDIDATE_FLUX_DOMAINS",
			FilePrefix:             "SIE_candidate_flux_domains",
			RotateInterval:         time.Hour,
			Buffer:                 50000,
			MaxSuspiciousTTL:       ex.MaxSuspiciousTTL,
			MinSuspiciousRRSetSize: ex.MinSuspiciousRRSetSize,
			MinSuspiciousDiversity: ex.MinSuspiciousDiversity,
			MinTotalRRSetSize:      ex.MinTotalRRSetSize,
			MinTotalDiversity:      ex.MinTotalDiversity,
			MinTotalQueryVolume:    ex.MinTotalQueryVolume,
			VeryShortTTL:           ex.VeryShortTTL,
			ExpirationWindow:       ex.ExpirationWindow,
			ExpirationProbe:        ex.ExpirationProbe,
			MetricsListen:          ":9110",
		},
		ClickHouse: ClickHouseConfig{
			DSN:             "clickhouse://127.0.0.1:9000/fluxbuster",
			SensorName:      "default",
			ConnectAttempts: 30,
		},
		Dashboard: DashboardConfig{
			Listen: ":8080",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies FLUXBUSTER_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, &ConfigError{Field: path, Reason: err.Error()}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func (c *Config) applyEnv() error {
	c.Input.CandidateDir = getEnv("FLUXBUSTER_CANDIDATE_DIR", c.Input.CandidateDir)
	c.Collector.Socket = getEnv("FLUXBUSTER_SOCKET", c.Collector.Socket)
	c.Collector.OutputDir = getEnv("FLUXBUSTER_OUTPUT_DIR", c.Collector.OutputDir)
	c.Collector.MetricsListen = getEnv("FLUXBUSTER_METRICS_LISTEN", c.Collector.MetricsListen)
	c.ClickHouse.DSN = getEnv("FLUXBUSTER_CLICKHOUSE_DSN", c.ClickHouse.DSN)
	c.ClickHouse.SensorName = getEnv("FLUXBUSTER_SENSOR_NAME", c.ClickHouse.SensorName)
	c.Dashboard.Listen = getEnv("FLUXBUSTER_LISTEN", c.Dashboard.Listen)
	c.Dashboard.User = getEnv("FLUXBUSTER_DASHBOARD_USER", c.Dashboard.User)
	c.Dashboard.Pass = getEnv("FLUXBUSTER_DASHBOARD_PASS", c.Dashboard.Pass)
	c.Log.Level = getEnv("FLUXBUSTER_LOG_LEVEL", c.Log.Level)

	if v, ok := os.LookupEnv("FLUXBUSTER_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "FLUXBUSTER_WORKERS", Reason: err.Error()}
		}
		c.Clustering.Workers = n
		c.Clustering.Multithreaded = n > 1
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section. Each failing field is reported as a
// *ConfigError in the joined result.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, &ConfigError{
				Field:  fe.Namespace(),
				Reason: fmt.Sprintf("failed %q (%s) with value %v", fe.Tag(), fe.Param(), fe.Value()),
			})
		}
	}
	for field, pattern := range map[string]string{
		"Config.Input.FilePattern":      c.Input.FilePattern,
		"Config.Input.TimestampPattern": c.Input.TimestampPattern,
	} {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, &ConfigError{Field: field, Reason: err.Error()})
		}
	}
	return errors.Join(errs...)
}

// EffectiveWorkers is the matrix worker count, 1 unless multithreaded.
func (c ClusteringConfig) EffectiveWorkers() int {
	if !c.Multithreaded {
		return 1
	}
	return c.Workers
}

func (c ClusteringConfig) Selector() clustering.SelectorConfig {
	return clustering.SelectorConfig{
		MinTotalRRSetSize:      c.MinTotalRRSetSize,
		MinTotalDiversity:      c.MinTotalDiversity,
		VeryShortTTL:           c.VeryShortTTL,
		GoodCandidateThreshold: c.GoodCandidateThreshold,
		MaxCandidates:          c.MaxCandidateDomains,
	}
}

func (c ClusteringConfig) Generator() (clustering.GeneratorConfig, error) {
	linkage, err := clustering.ParseLinkage(c.Linkage)
	if err != nil {
		return clustering.GeneratorConfig{}, &ConfigError{Field: "clustering.linkage", Reason: err.Error()}
	}
	tieBreak, err := clustering.ParseTieBreak(c.TieBreak)
	if err != nil {
		return clustering.GeneratorConfig{}, &ConfigError{Field: "clustering.tie_break", Reason: err.Error()}
	}
	return clustering.GeneratorConfig{
		Gamma:        c.Gamma,
		Workers:      c.EffectiveWorkers(),
		Linkage:      linkage,
		TieBreak:     tieBreak,
		MaxCutHeight: c.MaxCutHeight,
	}, nil
}

// Patterns compiles the candidate file and timestamp patterns.
func (c InputConfig) Patterns() (file, ts *regexp.Regexp, err error) {
	if file, err = regexp.Compile(c.FilePattern); err != nil {
		return nil, nil, &ConfigError{Field: "input.file_pattern", Reason: err.Error()}
	}
	if ts, err = regexp.Compile(c.TimestampPattern); err != nil {
		return nil, nil, &ConfigError{Field: "input.timestamp_pattern", Reason: err.Error()}
	}
	return file, ts, nil
}

func (c CollectorConfig) Extractor() collector.ExtractorConfig {
	return collector.ExtractorConfig{
		MaxSuspiciousTTL:       c.MaxSuspiciousTTL,
		MinSuspiciousRRSetSize: c.MinSuspiciousRRSetSize,
		MinSuspiciousDiversity: c.MinSuspiciousDiversity,
		MinTotalRRSetSize:      c.MinTotalRRSetSize,
		MinTotalDiversity:      c.MinTotalDiversity,
		MinTotalQueryVolume:    c.MinTotalQueryVolume,
		VeryShortTTL:           c.VeryShortTTL,
		ExpirationWindow:       c.ExpirationWindow,
		ExpirationProbe:        c.ExpirationProbe,
	}
}
