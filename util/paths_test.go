package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetConfigDirHonoursHomeEnv(t *testing.T) {
	home := filepath.Join(t.TempDir(), "node-a")
	t.Setenv(HomeEnv, home)

	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir failed: %v", err)
	}
	if dir != home {
		t.Errorf("Expected %s, got %s", home, dir)
	}
	if info, err := os.Stat(home); err != nil || !info.IsDir() {
		t.Errorf("Expected %s to be created", home)
	}
}

func TestGetConfigDirDefaultsToUserConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, "")
	t.Setenv("HOME", home)

	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir failed: %v", err)
	}
	if expected := filepath.Join(home, AppConfigDir); dir != expected {
		t.Errorf("Expected %s, got %s", expected, dir)
	}
}

func TestResolveFilePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Failed to change directory: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	if err := os.WriteFile("local.db", nil, 0644); err != nil {
		t.Fatalf("Failed to create local file: %v", err)
	}
	absolute := filepath.Join(t.TempDir(), "federator.db")

	tests := []struct {
		name     string
		filename string
		expected string
	}{
		{"working directory wins", "local.db", "local.db"},
		{"falls back to config dir", "federator.db", filepath.Join(home, "federator.db")},
		{"absolute path", absolute, absolute},
		{"in-memory database", ":memory:", ":memory:"},
		{"sqlite uri", "file:test.db?mode=memory", "file:test.db?mode=memory"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveFilePath(tt.filename); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}
