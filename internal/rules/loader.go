package rules

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LoadDir parses every rule file under dir. Files that fail to read or
// parse are skipped; a missing directory yields an empty list. When two
// files share a rule ID the later file (by name) wins.
func LoadDir(dir string, logger *slog.Logger) []*Rule {
	files, err := ruleFiles(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Failed to read rules directory", "rules_dir", dir, "error", err)
		}
		return []*Rule{}
	}

	byID := make(map[string]*Rule)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			logger.Debug("Skipping unreadable rule file", "file", file, "error", err)
			continue
		}

		rule, err := Parse(data)
		if err != nil {
			logger.Debug("Skipping invalid rule file", "file", file, "error", err)
			continue
		}
		rule.SourceFile = file

		if existing, ok := byID[rule.ID]; ok {
			logger.Info("Rule ID conflict resolved by filename override",
				"rule_id", rule.ID,
				"new_file", file,
				"old_file", existing.SourceFile)
		}
		byID[rule.ID] = rule
	}

	rules := make([]*Rule, 0, len(byID))
	for _, r := range byID {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].ID < rules[j].ID
	})

	logger.Debug("Loaded rules directory", "rules_dir", dir, "files", len(files), "rules", len(rules))
	return rules
}

// ruleFiles lists .yml/.yaml files under dir sorted by path
func ruleFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// Loader keeps an Engine in sync with a rules directory
type Loader struct {
	rulesDir     string
	engine       *Engine
	pollInterval time.Duration
	debounce     time.Duration
	logger       *slog.Logger
	onReload     func(count int)
}

// NewLoader creates a loader for dir feeding engine
func NewLoader(rulesDir string, engine *Engine, pollInterval, debounce time.Duration, logger *slog.Logger) *Loader {
	return &Loader{
		rulesDir:     rulesDir,
		engine:       engine,
		pollInterval: pollInterval,
		debounce:     debounce,
		logger:       logger,
	}
}

// OnReload registers a callback invoked with the rule count after each load
func (l *Loader) OnReload(fn func(count int)) {
	l.onReload = fn
}

// Load reads the directory once and replaces the engine's rule set
func (l *Loader) Load() int {
	rules := LoadDir(l.rulesDir, l.logger)
	l.engine.Replace(rules)
	if l.onReload != nil {
		l.onReload(len(rules))
	}
	return len(rules)
}

// Watch polls the directory until ctx is done and reloads after changes
// settle for the debounce window
func (l *Loader) Watch(ctx context.Context) {
	l.logger.Info("Starting rule file watcher", "rules_dir", l.rulesDir, "interval", l.pollInterval)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	last := l.fingerprint()
	var changedAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			current := l.fingerprint()
			if current != last {
				last = current
				changedAt = now
				continue
			}
			if !changedAt.IsZero() && now.Sub(changedAt) >= l.debounce {
				changedAt = time.Time{}
				l.logger.Info("Rule files changed, reloading")
				l.Load()
			}
		}
	}
}

// fingerprint summarizes the directory's rule files by count and modification times
func (l *Loader) fingerprint() string {
	files, err := ruleFiles(l.rulesDir)
	if err != nil {
		return ""
	}

	var b strings.Builder
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		b.WriteString(f)
		b.WriteByte('@')
		b.WriteString(info.ModTime().UTC().Format(time.RFC3339Nano))
		b.WriteByte(';')
	}
	return b.String()
}
