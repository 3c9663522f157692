// Package config loads scriptrun settings from a YAML file and turns them
// into runner configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"

	"scriptrun/internal/launcher"
	"scriptrun/internal/liveness"
	"scriptrun/internal/monitor"
	"scriptrun/internal/runner"
)

const (
	// EnvConfig names a config file to use when no --config flag is given.
	EnvConfig = "SCRIPTRUN_CONFIG"

	// EnvStateDir is shared with systemd's StateDirectory= convention.
	EnvStateDir = "STATE_DIRECTORY"

	DefaultStateDir = ".scriptrun"
	configFileName  = "config.yaml"
	lockFileName    = "run.lock"
	transcriptsDir  = "transcripts"
)

type Config struct {
	Interpreter     string   `yaml:"interpreter"`
	InterpreterArgs []string `yaml:"interpreter_args"`
	Env             []string `yaml:"env"`
	PTY             bool     `yaml:"pty"`

	Probe            string        `yaml:"probe"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	MaxProbeFailures int           `yaml:"max_probe_failures"`
	KeepEmptyLines   bool          `yaml:"keep_empty_lines"`

	CancelSignal string        `yaml:"cancel_signal"`
	CancelGrace  time.Duration `yaml:"cancel_grace"`

	// Lock takes <state-dir>/run.lock for every run.
	Lock bool `yaml:"lock"`

	// Transcripts records every run to <state-dir>/transcripts.
	Transcripts bool `yaml:"transcripts"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Interpreter:      launcher.DefaultInterpreter,
		InterpreterArgs:  append([]string{}, launcher.DefaultArgs...),
		PollInterval:     monitor.DefaultPollInterval,
		DrainTimeout:     monitor.DefaultDrainTimeout,
		MaxProbeFailures: monitor.DefaultMaxProbeFailures,
		CancelSignal:     "SIGTERM",
		CancelGrace:      monitor.DefaultCancelGrace,
	}
}

// Parse reads YAML on top of the defaults and expands ${VAR} references in
// string values.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.expandEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load parses the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Resolve picks the config file: path if given, then $SCRIPTRUN_CONFIG,
// then config.yaml in stateDir if it exists. Without any of them the
// defaults are used.
func Resolve(path, stateDir string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		return Load(path)
	}
	if stateDir != "" {
		candidate := filepath.Join(stateDir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
	}
	return Default(), nil
}

func (c *Config) expandEnv() error {
	var err error
	if c.Interpreter, err = envsubst.EvalEnv(c.Interpreter); err != nil {
		return fmt.Errorf("interpreter: %w", err)
	}
	for i, arg := range c.InterpreterArgs {
		if c.InterpreterArgs[i], err = envsubst.EvalEnv(arg); err != nil {
			return fmt.Errorf("interpreter_args[%d]: %w", i, err)
		}
	}
	for i, kv := range c.Env {
		if c.Env[i], err = envsubst.EvalEnv(kv); err != nil {
			return fmt.Errorf("env[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Interpreter == "" {
		return errors.New("interpreter must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain_timeout must be positive, got %s", c.DrainTimeout)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("cancel_grace must be positive, got %s", c.CancelGrace)
	}
	if c.MaxProbeFailures <= 0 {
		return fmt.Errorf("max_probe_failures must be positive, got %d", c.MaxProbeFailures)
	}
	if _, err := liveness.New(c.Probe); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if _, err := liveness.ParseSignal(c.CancelSignal); err != nil {
		return fmt.Errorf("cancel_signal: %w", err)
	}
	return nil
}

// RunnerConfig converts the settings for a runner keeping its lock file and
// transcripts in stateDir.
func (c *Config) RunnerConfig(stateDir string) (runner.Config, error) {
	if err := c.Validate(); err != nil {
		return runner.Config{}, err
	}
	prober, _ := liveness.New(c.Probe)
	sig, _ := liveness.ParseSignal(c.CancelSignal)

	rc := runner.Config{
		Launcher: launcher.Config{
			Interpreter: c.Interpreter,
			Args:        append([]string{}, c.InterpreterArgs...),
			Env:         c.Env,
			PTY:         c.PTY,
		},
		Monitor: monitor.Config{
			PollInterval:     c.PollInterval,
			DrainTimeout:     c.DrainTimeout,
			MaxProbeFailures: c.MaxProbeFailures,
			CancelSignal:     sig,
			CancelGrace:      c.CancelGrace,
			KeepEmptyLines:   c.KeepEmptyLines,
			Prober:           prober,
		},
	}
	if c.Lock {
		rc.LockFile = filepath.Join(stateDir, lockFileName)
	}
	if c.Transcripts {
		rc.TranscriptDir = TranscriptDir(stateDir)
	}
	return rc, nil
}

// TranscriptDir is where runs are recorded inside stateDir.
func TranscriptDir(stateDir string) string {
	return filepath.Join(stateDir, transcriptsDir)
}

// GetStateDir resolves the state directory: the given value, then
// $STATE_DIRECTORY, then .scriptrun.
func GetStateDir(stateDir string, createIfMissing bool) (string, error) {
	if stateDir == "" {
		stateDir = os.Getenv(EnvStateDir)
		if stateDir == "" {
			stateDir = DefaultStateDir
		}
	}

	_, err := os.Stat(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			if createIfMissing {
				if err := os.MkdirAll(stateDir, 0o700); err != nil {
					return "", fmt.Errorf("failed to create state directory: %w", err)
				}
				return stateDir, nil
			}
			return "", fmt.Errorf("state directory %q does not exist. Set %s or create it: %w", stateDir, EnvStateDir, err)
		}
		return "", fmt.Errorf("%s=%s: %w", EnvStateDir, stateDir, err)
	}

	return stateDir, nil
}
