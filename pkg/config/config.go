// Package config loads the hook manifest of the injected module.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix       = "HOOKTILLER_"
	DefaultManifest = "hooks.yaml"
	// MaxArgs is the widest function the trace callbacks can forward.
	MaxArgs = 6
)

type Log struct {
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
	Level   string `yaml:"level"`
}

type Detour struct {
	Library string `yaml:"library"`
}

// Hook describes one interception. Exactly one of Export, Locator and
// Address names the target.
type Hook struct {
	ID        string `yaml:"id"`
	Label     string `yaml:"label,omitempty"`
	Module    string `yaml:"module,omitempty"`
	Export    string `yaml:"export,omitempty"`
	Decorated string `yaml:"decorated,omitempty"`
	// Locator is a "0x..." address or a "pattern:..." signature.
	Locator string `yaml:"locator,omitempty"`
	Address uint64 `yaml:"address,omitempty"`
	// Args is how many integer arguments the trace callback forwards.
	Args int `yaml:"args"`
	// Disabled hooks are registered but left out of the startup install.
	Disabled bool `yaml:"disabled,omitempty"`
}

type Config struct {
	Log    Log    `yaml:"log"`
	Detour Detour `yaml:"detour"`
	Hooks  []Hook `yaml:"hooks"`
}

// Default is used for keys missing from the manifest.
func Default() Config {
	return Config{
		Log: Log{
			File:    "hooktiller.log",
			Console: true,
			Level:   "info",
		},
	}
}

// Load reads the manifest at path, applies HOOKTILLER_* overrides and
// validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read manifest %s", path)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "manifest %s", path)
	}
	return cfg, nil
}

// Parse decodes a manifest. Unknown keys are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes a commented starter manifest.
func WriteDefault(path string) error {
	return errors.Wrapf(os.WriteFile(path, []byte(starterManifest), 0o644), "write %s", path)
}

// Save validates c and writes it to path as YAML.
func (c Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode yaml")
	}
	return errors.Wrapf(os.WriteFile(path, b, 0o644), "write %s", path)
}

const starterManifest = `# hooktiller hook manifest
log:
  file: hooktiller.log
  console: true
  level: info
detour:
  library: ""   # empty picks MinHook.x64.dll or MinHook.x86.dll
hooks:
  # - id: recv
  #   module: ws2_32.dll
  #   export: recv
  #   args: 4
  # - id: checksum
  #   locator: "pattern:55 8B EC 83 EC ?? 53 56"
  #   args: 3
`

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		return v, ok && v != ""
	}
	if v, ok := get("LOG_FILE"); ok {
		c.Log.File = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("CONSOLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sCONSOLE", EnvPrefix)
		}
		c.Log.Console = b
	}
	if v, ok := get("DETOUR_LIBRARY"); ok {
		c.Detour.Library = v
	}
	return nil
}

// ManifestPath is HOOKTILLER_MANIFEST when set, DefaultManifest otherwise.
func ManifestPath() string {
	if v := os.Getenv(EnvPrefix + "MANIFEST"); v != "" {
		return v
	}
	return DefaultManifest
}

// Level parses Log.Level.
func (c Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	return lvl, errors.Wrapf(err, "log level %q", c.Log.Level)
}

// Validate reports every problem in the manifest at once.
func (c Config) Validate() error {
	var errs error
	if c.Log.File == "" {
		errs = multierr.Append(errs, errors.New("log.file is empty"))
	}
	if _, err := c.Level(); err != nil {
		errs = multierr.Append(errs, err)
	}
	seen := make(map[string]bool, len(c.Hooks))
	for i, h := range c.Hooks {
		if h.ID == "" {
			errs = multierr.Append(errs, errors.Errorf("hooks[%d]: empty id", i))
			continue
		}
		if seen[h.ID] {
			errs = multierr.Append(errs, errors.Errorf("hooks[%d]: duplicate id %q", i, h.ID))
		}
		seen[h.ID] = true
		if err := h.validate(); err != nil {
			errs = multierr.Append(errs, errors.WithMessagef(err, "hook %q", h.ID))
		}
	}
	return errs
}

// Kind returns which field names the target: "export", "locator" or
// "address".
func (h Hook) Kind() string {
	switch {
	case h.Export != "":
		return "export"
	case h.Locator != "":
		return "locator"
	case h.Address != 0:
		return "address"
	}
	return ""
}

func (h Hook) validate() error {
	n := 0
	for _, set := range []bool{h.Export != "", h.Locator != "", h.Address != 0} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.Errorf("needs exactly one of export, locator or address (has %d)", n)
	}
	if h.Locator != "" && !strings.HasPrefix(h.Locator, "pattern:") &&
		!strings.HasPrefix(h.Locator, "0x") && !strings.HasPrefix(h.Locator, "0X") {
		return errors.Errorf("locator %q must start with 0x or pattern:", h.Locator)
	}
	if h.Decorated != "" && h.Export == "" {
		return errors.New("decorated is only valid with export")
	}
	if h.Args < 0 || h.Args > MaxArgs {
		return errors.Errorf("args %d outside 0..%d", h.Args, MaxArgs)
	}
	return nil
}
