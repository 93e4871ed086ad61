package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeLoadsWorkspaceConfigFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".scriptum")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "[watcher]\ndebounce-ms = 250\n"
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	if err := os.Chdir(root); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	if err := Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := GetInt("watcher.debounce-ms"); got != 250 {
		t.Fatalf("got %d, want 250", got)
	}
}

func TestDefaultsApplyWithNoConfigFile(t *testing.T) {
	root := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	if err := os.Chdir(root); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	if err := Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := GetInt("snapshot.interval-updates"); got != 1000 {
		t.Fatalf("got %d, want 1000", got)
	}
}

func TestEnvVarOverridesDefault(t *testing.T) {
	root := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	if err := os.Chdir(root); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	os.Setenv("SCRIPTUM_WATCHER_DEBOUNCE_MS", "333")
	defer os.Unsetenv("SCRIPTUM_WATCHER_DEBOUNCE_MS")

	if err := Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := GetInt("watcher.debounce-ms"); got != 333 {
		t.Fatalf("got %d, want 333", got)
	}
	if src := GetValueSource("watcher.debounce-ms"); src != SourceEnvVar {
		t.Fatalf("got source %q, want env_var", src)
	}
}
