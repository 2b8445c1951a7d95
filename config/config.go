// Package config loads config.toml. Values are layered: defaults, then the
// file, then environment variables; command-line flags are applied by main.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	BackendURL        string        `toml:"backend_url"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	TranscribeTimeout time.Duration `toml:"transcribe_timeout"`
	ExportTimeout     time.Duration `toml:"export_timeout"`
	Transcriber       string        `toml:"transcriber"` // "backend"|"deepgram"
	Format            string        `toml:"format"`      // "wav"|"flac"
	Language          string        `toml:"language"`
	Device            string        `toml:"device"`
	ExportDir         string        `toml:"export_dir"`
	DeepgramKey       string        `toml:"deepgram_key"`
}

func Default() Config {
	return Config{
		BackendURL:        "http://localhost:8000",
		RequestTimeout:    5 * time.Minute,
		TranscribeTimeout: 60 * time.Second,
		ExportTimeout:     2 * time.Minute,
		Transcriber:       "backend",
		Format:            "wav",
		Language:          "en",
	}
}

// Dir is the per-user config directory, e.g. ~/.config/nexus.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	return filepath.Join(base, "nexus"), nil
}

func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load returns the effective config. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(&cfg, path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// LoadFile decodes path over cfg. Unknown keys are reported so typos do not
// go unnoticed.
func LoadFile(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("NEXUS_BACKEND_URL"); v != "" {
		c.BackendURL = v
	}
	if v := getenv("DEEPGRAM_API_KEY"); v != "" {
		c.DeepgramKey = v
	}
	if v := getenv("NEXUS_TRANSCRIBER"); v != "" {
		c.Transcriber = v
	}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs ValidateErrors

	if u, err := url.Parse(c.BackendURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{"backend_url", fmt.Sprintf("invalid URL %q, want http(s)://host[:port]", c.BackendURL)})
	}
	for _, d := range []struct {
		field string
		v     time.Duration
	}{
		{"request_timeout", c.RequestTimeout},
		{"transcribe_timeout", c.TranscribeTimeout},
		{"export_timeout", c.ExportTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, ValidationError{d.field, "must be positive"})
		}
	}
	switch c.Transcriber {
	case "backend":
	case "deepgram":
		if c.DeepgramKey == "" {
			errs = append(errs, ValidationError{"deepgram_key", "required when transcriber = \"deepgram\" (or set DEEPGRAM_API_KEY)"})
		}
	default:
		errs = append(errs, ValidationError{"transcriber", fmt.Sprintf("invalid transcriber %q, must be one of: backend, deepgram", c.Transcriber)})
	}
	if c.Format != "wav" && c.Format != "flac" {
		errs = append(errs, ValidationError{"format", fmt.Sprintf("invalid format %q, must be one of: wav, flac", c.Format)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ResolveExportDir returns ExportDir, or ~/Downloads when it exists, or the
// working directory.
func (c Config) ResolveExportDir() string {
	if c.ExportDir != "" {
		return c.ExportDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		dl := filepath.Join(home, "Downloads")
		if fi, err := os.Stat(dl); err == nil && fi.IsDir() {
			return dl
		}
	}
	return "."
}
