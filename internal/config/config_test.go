package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Engine.PoolSize != 2 {
		t.Errorf("Engine.PoolSize = %d, want 2", cfg.Engine.PoolSize)
	}
	if cfg.Engine.Depth != 18 {
		t.Errorf("Engine.Depth = %d, want 18", cfg.Engine.Depth)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if cfg.WorkerCount() != 2 {
		t.Errorf("WorkerCount() = %d, want 2", cfg.WorkerCount())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("STOCKFISH_PATH", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.Path != "/usr/games/stockfish" {
		t.Errorf("Engine.Path = %q, want /usr/games/stockfish", cfg.Engine.Path)
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Setenv("STOCKFISH_PATH", "")
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
database_path = "/tmp/analysis.db"

[engine]
path = "/opt/stockfish"
pool_size = 4
depth = 12
eval_timeout = "5s"

[scheduler]
workers = 6
max_processing_jobs = 2

[[backlog.sweep]]
name = "nightly"
cron = "0 3 * * *"
max_users = 50

[web]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DatabasePath != "/tmp/analysis.db" {
		t.Errorf("DatabasePath = %q, want /tmp/analysis.db", cfg.General.DatabasePath)
	}
	if cfg.Engine.Path != "/opt/stockfish" {
		t.Errorf("Engine.Path = %q, want /opt/stockfish", cfg.Engine.Path)
	}
	if cfg.Engine.PoolSize != 4 {
		t.Errorf("Engine.PoolSize = %d, want 4", cfg.Engine.PoolSize)
	}
	if cfg.Engine.EvalTimeout.Duration != 5*time.Second {
		t.Errorf("Engine.EvalTimeout = %v, want 5s", cfg.Engine.EvalTimeout.Duration)
	}
	if cfg.WorkerCount() != 6 {
		t.Errorf("WorkerCount() = %d, want 6", cfg.WorkerCount())
	}
	if len(cfg.Backlog.Sweeps) != 1 || cfg.Backlog.Sweeps[0].MaxUsers != 50 {
		t.Errorf("Backlog.Sweeps = %+v, want one sweep with max_users 50", cfg.Backlog.Sweeps)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// Untouched sections keep their defaults
	if cfg.Scheduler.MaxAttempts != 2 {
		t.Errorf("Scheduler.MaxAttempts = %d, want 2", cfg.Scheduler.MaxAttempts)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("STOCKFISH_PATH", "/env/stockfish")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.Path != "/env/stockfish" {
		t.Errorf("Engine.Path = %q, want /env/stockfish", cfg.Engine.Path)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero pool", "[engine]\npool_size = 0\n"},
		{"bad duration", "[engine]\neval_timeout = \"soon\"\n"},
		{"sweep without cron", "[[backlog.sweep]]\nname = \"x\"\n"},
		{"watch dir without user", "[import]\nwatch_dir = \"/tmp/pgn\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[web]\nport = 7000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(subdir); err != nil {
		t.Fatal(err)
	}

	found := FindLocalConfig()
	// macOS temp dirs resolve through /private, so compare resolved paths
	wantResolved, _ := filepath.EvalSymlinks(localConfig)
	gotResolved, _ := filepath.EvalSymlinks(found)
	if gotResolved != wantResolved {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 7000 {
		t.Errorf("Web.Port = %d, want 7000", cfg.Web.Port)
	}
}
