package rules

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "linux"), 0755))

	writeRule(t, dir, "01-brute.yml", bruteForceRule)
	writeRule(t, dir, "02-broken.yaml", "title: [unterminated\n")
	writeRule(t, dir, "03-no-level.yml", "id: x\ntitle: x\ndetection:\n  s:\n    category: a\n  condition: s\n")
	writeRule(t, dir, "README.md", "# not a rule")
	writeRule(t, filepath.Join(dir, "linux"), "reverse-shell.yaml", `
id: reverse-shell
title: Reverse Shell
level: critical
detection:
  selection:
    description|contains: /dev/tcp/
  condition: selection
`)

	rules := LoadDir(dir, testLogger())
	require.Len(t, rules, 2)
	assert.Equal(t, "auth-brute-force", rules[0].ID)
	assert.Equal(t, "reverse-shell", rules[1].ID)
	assert.Equal(t, filepath.Join(dir, "linux", "reverse-shell.yaml"), rules[1].SourceFile)
}

func TestLoadDir_MissingDirectory(t *testing.T) {
	rules := LoadDir(filepath.Join(t.TempDir(), "does-not-exist"), testLogger())
	assert.NotNil(t, rules)
	assert.Empty(t, rules)
}

func TestLoadDir_DuplicateIDLaterFileWins(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "01-a.yml", bruteForceRule)
	writeRule(t, dir, "02-b.yml", `
id: auth-brute-force
title: Brute Force Override
level: critical
detection:
  selection:
    category: authentication
  condition: selection
`)

	rules := LoadDir(dir, testLogger())
	require.Len(t, rules, 1)
	assert.Equal(t, "Brute Force Override", rules[0].Title)
}

func TestLoadDir_RuleWithoutID(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "brute.yml", `
title: Brute Force
level: high
detection:
  selection:
    category: authentication
  condition: selection
`)

	rules := LoadDir(dir, testLogger())
	require.Len(t, rules, 1)
	assert.Equal(t, "brute-force", rules[0].ID)
	assert.Equal(t, "Brute Force", rules[0].Title)
}

func TestEngine_MatchAndReplace(t *testing.T) {
	engine := NewEngine(testLogger())
	assert.Empty(t, engine.Match(model.SecurityEvent{Category: "authentication"}))

	engine.Replace([]*Rule{mustParse(t, bruteForceRule), nil})
	assert.Equal(t, 1, engine.Len())

	matches := engine.Match(model.SecurityEvent{
		Category:    "authentication",
		Description: "Failed login attempt for user admin",
	})
	require.Len(t, matches, 1)
	assert.Equal(t, "auth-brute-force", matches[0].RuleID)

	engine.Replace(nil)
	assert.Equal(t, 0, engine.Len())
}

func TestLoader_WatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	engine := NewEngine(testLogger())
	loader := NewLoader(dir, engine, 20*time.Millisecond, 40*time.Millisecond, testLogger())

	reloaded := make(chan int, 10)
	loader.OnReload(func(n int) { reloaded <- n })
	assert.Equal(t, 0, loader.Load())
	<-reloaded

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loader.Watch(ctx)

	time.Sleep(50 * time.Millisecond)
	writeRule(t, dir, "01-brute.yml", bruteForceRule)

	select {
	case n := <-reloaded:
		assert.Equal(t, 1, n)
	case <-time.After(3 * time.Second):
		t.Fatal("rules were not reloaded")
	}
	assert.Equal(t, 1, engine.Len())
}
