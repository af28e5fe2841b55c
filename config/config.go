// Package config loads the analyzer configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jacokyle01/xiangqi-analyzer/analyzer"
	"github.com/jacokyle01/xiangqi-analyzer/engine"
)

// Source types.
const (
	SourceFile = "file"
	SourceHTTP = "http"
)

// Config is the top-level configuration. It is built once at startup and
// passed by value; nothing mutates it afterwards.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Perception PerceptionConfig `yaml:"perception"`
	Source     SourceConfig     `yaml:"source"`
	Server     ServerConfig     `yaml:"server"`
}

// EngineConfig describes the engine binary and how hard to try keeping it up.
type EngineConfig struct {
	Path           string         `yaml:"path"`
	Args           []string       `yaml:"args"`
	Variant        string         `yaml:"variant"`
	Timeout        time.Duration  `yaml:"timeout"`
	StartupRetries int            `yaml:"startup_retries"`
	StartupBackoff time.Duration  `yaml:"startup_backoff"`
	SearchOverhead time.Duration  `yaml:"search_overhead"`
	QuitGrace      time.Duration  `yaml:"quit_grace"`
	Degraded       DegradedConfig `yaml:"degraded"`
}

// DegradedConfig limits searches once the engine keeps crashing.
type DegradedConfig struct {
	CrashThreshold int           `yaml:"crash_threshold"`
	MaxDepth       int           `yaml:"max_depth"`
	MaxThinkTime   time.Duration `yaml:"max_think_time"`
}

type AnalysisConfig struct {
	ThinkTime        time.Duration `yaml:"think_time"`
	Depth            int           `yaml:"depth"` // 0 searches by time
	DetectorInverted bool          `yaml:"detector_inverted"`
	ApplyFlips       bool          `yaml:"apply_flips"`
	CaptureInterval  time.Duration `yaml:"capture_interval"`
	AnalysisInterval time.Duration `yaml:"analysis_interval"`
	BufferSize       int           `yaml:"buffer_size"`
}

// PerceptionConfig points at the detector service. An empty URL uses the
// built-in static detector.
type PerceptionConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	BoardWidth  int           `yaml:"board_width"`
	BoardHeight int           `yaml:"board_height"`
}

type SourceConfig struct {
	Type    string        `yaml:"type"` // file or http
	Value   string        `yaml:"value"`
	Timeout time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	eng := engine.DefaultOptions()
	return Config{
		Engine: EngineConfig{
			Path:           "pikafish",
			Variant:        eng.Variant,
			Timeout:        eng.Timeout,
			StartupRetries: eng.StartupRetries,
			StartupBackoff: eng.StartupBackoff,
			SearchOverhead: eng.SearchOverhead,
			QuitGrace:      eng.QuitGrace,
			Degraded: DegradedConfig{
				CrashThreshold: eng.Degraded.CrashThreshold,
				MaxDepth:       eng.Degraded.MaxDepth,
				MaxThinkTime:   eng.Degraded.MaxThinkTime,
			},
		},
		Analysis: AnalysisConfig{
			ThinkTime:        2 * time.Second,
			DetectorInverted: true,
			ApplyFlips:       true,
			CaptureInterval:  time.Second,
			AnalysisInterval: 3 * time.Second,
			BufferSize:       2,
		},
		Perception: PerceptionConfig{
			Timeout:     10 * time.Second,
			BoardWidth:  900,
			BoardHeight: 1000,
		},
		Source: SourceConfig{
			Type:    SourceFile,
			Timeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads a YAML file over the defaults. Environment variables referenced
// as ${VAR} or $VAR are expanded before parsing.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-provided configuration
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Validate checks that the configuration is internally consistent. It does
// not look for the engine binary; that happens when the engine is created.
func (c Config) Validate() error {
	switch {
	case c.Engine.Path == "":
		return fmt.Errorf("config: engine.path is required")
	case c.Engine.Timeout <= 0:
		return fmt.Errorf("config: engine.timeout must be positive")
	case c.Engine.StartupRetries < 0:
		return fmt.Errorf("config: engine.startup_retries must not be negative")
	case c.Engine.SearchOverhead < 0:
		return fmt.Errorf("config: engine.search_overhead must not be negative")
	case c.Engine.Degraded.MaxDepth < 0:
		return fmt.Errorf("config: engine.degraded.max_depth must not be negative")
	case c.Engine.Degraded.MaxThinkTime <= 0:
		return fmt.Errorf("config: engine.degraded.max_think_time must be positive")
	}

	switch {
	case c.Analysis.ThinkTime <= 0 && c.Analysis.Depth <= 0:
		return fmt.Errorf("config: analysis needs a think_time or a depth")
	case c.Analysis.Depth < 0:
		return fmt.Errorf("config: analysis.depth must not be negative")
	case c.Analysis.CaptureInterval <= 0:
		return fmt.Errorf("config: analysis.capture_interval must be positive")
	case c.Analysis.AnalysisInterval <= 0:
		return fmt.Errorf("config: analysis.analysis_interval must be positive")
	case c.Analysis.BufferSize < 1:
		return fmt.Errorf("config: analysis.buffer_size must be at least 1")
	}

	if (c.Perception.BoardWidth == 0) != (c.Perception.BoardHeight == 0) {
		return fmt.Errorf("config: perception.board_width and board_height go together")
	}

	switch c.Source.Type {
	case SourceFile, SourceHTTP:
	default:
		return fmt.Errorf("config: unknown source.type %q", c.Source.Type)
	}
	return nil
}

// EngineOptions converts the engine section for engine.NewSession.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		Timeout:        c.Engine.Timeout,
		StartupRetries: c.Engine.StartupRetries,
		StartupBackoff: c.Engine.StartupBackoff,
		SearchOverhead: c.Engine.SearchOverhead,
		QuitGrace:      c.Engine.QuitGrace,
		Variant:        c.Engine.Variant,
		Degraded: engine.DegradedPolicy{
			CrashThreshold: c.Engine.Degraded.CrashThreshold,
			MaxDepth:       c.Engine.Degraded.MaxDepth,
			MaxThinkTime:   c.Engine.Degraded.MaxThinkTime,
		},
	}
}

// AnalyzerOptions converts the analysis section for analyzer.New. The
// validator is left to its defaults.
func (c Config) AnalyzerOptions() analyzer.Options {
	return analyzer.Options{
		Inverted:   c.Analysis.DetectorInverted,
		ApplyFlips: c.Analysis.ApplyFlips,
		Depth:      c.Analysis.Depth,
	}
}
