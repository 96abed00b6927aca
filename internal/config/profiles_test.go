package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadProfilesEmptyDir(t *testing.T) {
	dir := t.TempDir()
	profiles, err := LoadProfiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected no profiles, got %d", len(profiles))
	}
}

func TestLoadProfilesMissingDir(t *testing.T) {
	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatal(err)
	}
	if profiles != nil {
		t.Errorf("expected nil profiles for missing dir, got %v", profiles)
	}
}

func TestLoadProfilesExample1(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "example1.toml", `
name = "ex1"

[fs]
bind = [{ path = "/tmp", write = true }]

[run]
cmd = ["/bin/sh", "-c", "id"]
`)
	writeFile(t, dir, "notes.txt", "ignored")

	profiles, err := LoadProfiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	p := profiles[0]
	if p.Name != "ex1" {
		t.Errorf("Name = %q, want ex1", p.Name)
	}
	if len(p.FS.Bind) != 1 || p.FS.Bind[0].Path != "/tmp" || p.FS.Bind[0].Write == nil || !*p.FS.Bind[0].Write {
		t.Errorf("unexpected bind config: %+v", p.FS.Bind)
	}
	wantCmd := []string{"/bin/sh", "-c", "id"}
	if len(p.Run.Cmd) != len(wantCmd) {
		t.Fatalf("Run.Cmd = %v, want %v", p.Run.Cmd, wantCmd)
	}
}

func TestLoadProfilesRejectsRelativeBind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.toml", `
name = "bad"
[fs]
bind = [{ path = "relative" }]
`)
	if _, err := LoadProfiles(dir); err == nil {
		t.Error("expected relative bind path to error")
	}
}
