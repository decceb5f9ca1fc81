package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

const sample = `
log:
  file: logs/hooks.log
  console: false
  level: debug
detour:
  library: C:\tools\MinHook.x64.dll
hooks:
  - id: recv
    module: ws2_32.dll
    export: recv
    args: 4
  - id: checksum
    label: packet checksum
    locator: "pattern:55 8B EC 83 EC ?? 53"
    args: 3
  - id: tick
    address: 0x401A20
    disabled: true
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Log.File != "logs/hooks.log" || cfg.Log.Console {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if lvl, _ := cfg.Level(); lvl != zapcore.DebugLevel {
		t.Fatalf("level = %v", lvl)
	}
	if cfg.Detour.Library != `C:\tools\MinHook.x64.dll` {
		t.Fatalf("library = %q", cfg.Detour.Library)
	}
	if len(cfg.Hooks) != 3 {
		t.Fatalf("hooks = %d", len(cfg.Hooks))
	}

	cases := []struct {
		idx  int
		kind string
	}{
		{0, "export"},
		{1, "locator"},
		{2, "address"},
	}
	for _, tc := range cases {
		if got := cfg.Hooks[tc.idx].Kind(); got != tc.kind {
			t.Fatalf("hooks[%d].Kind() = %q want %q", tc.idx, got, tc.kind)
		}
	}
	if cfg.Hooks[2].Address != 0x401A20 || !cfg.Hooks[2].Disabled {
		t.Fatalf("tick = %+v", cfg.Hooks[2])
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Log != Default().Log || len(cfg.Hooks) != 0 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestStarterManifestIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultManifest)
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"LOG_FILE", "override.log")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "warn")
	t.Setenv(EnvPrefix+"CONSOLE", "1")
	t.Setenv(EnvPrefix+"DETOUR_LIBRARY", "mh.dll")

	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Log{File: "override.log", Console: true, Level: "warn"}
	if cfg.Log != want || cfg.Detour.Library != "mh.dll" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestEnvOverrideBadBool(t *testing.T) {
	t.Setenv(EnvPrefix+"CONSOLE", "maybe")
	if _, err := Parse(nil); err == nil || !strings.Contains(err.Error(), "HOOKTILLER_CONSOLE") {
		t.Fatalf("err = %v", err)
	}
}

func TestManifestPath(t *testing.T) {
	t.Setenv(EnvPrefix+"MANIFEST", "")
	if got := ManifestPath(); got != DefaultManifest {
		t.Fatalf("ManifestPath() = %q", got)
	}
	t.Setenv(EnvPrefix+"MANIFEST", `D:\game\hooks.yaml`)
	if got := ManifestPath(); got != `D:\game\hooks.yaml` {
		t.Fatalf("ManifestPath() = %q", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		hook Hook
		want string
	}{
		{"no target", Hook{ID: "a"}, "exactly one"},
		{"two targets", Hook{ID: "a", Export: "f", Locator: "0x10"}, "exactly one"},
		{"bad locator", Hook{ID: "a", Locator: "f00"}, "must start with"},
		{"decorated without export", Hook{ID: "a", Locator: "0x10", Decorated: "?f@@YAXXZ"}, "decorated"},
		{"too many args", Hook{ID: "a", Export: "f", Args: MaxArgs + 1}, "args"},
		{"negative args", Hook{ID: "a", Export: "f", Args: -1}, "args"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Hooks = []Hook{tc.hook}
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v; want mention of %q", err, tc.want)
			}
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Config{
		Log: Log{File: "", Level: "loud"},
		Hooks: []Hook{
			{ID: "a", Export: "f"},
			{ID: "a", Export: "g"},
			{Export: "h"},
		},
	}
	errs := multierr.Errors(cfg.Validate())
	if len(errs) != 4 {
		t.Fatalf("errors = %d: %v", len(errs), errs)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("hooks:\n  - id: a\n    export: f\n    arity: 2\n")); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	cfg := Default()
	cfg.Hooks = []Hook{
		{ID: "muldiv", Module: "kernel32.dll", Export: "MulDiv", Args: 3},
		{ID: "fixed", Address: 0x401000, Disabled: true},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Hooks) != 2 || got.Hooks[0] != cfg.Hooks[0] || got.Hooks[1] != cfg.Hooks[1] {
		t.Errorf("hooks = %+v", got.Hooks)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	cfg := Default()
	cfg.Hooks = []Hook{{ID: "none"}}
	if err := cfg.Save(path); err == nil {
		t.Fatal("expected a validation error")
	}
	if _, err := Load(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("invalid manifest was written: %v", err)
	}
}
