package threatintel

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry describes a known-bad indicator
type Entry struct {
	Indicator string    `yaml:"value" json:"indicator"`
	Type      string    `yaml:"type,omitempty" json:"type,omitempty"`
	Threat    string    `yaml:"threat" json:"threat"`
	Feed      string    `yaml:"source,omitempty" json:"feed,omitempty"`
	AddedAt   time.Time `yaml:"-" json:"added_at"`
}

// Table maps normalized indicators to entries. It is safe for concurrent
// readers while a single owner adds entries.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Add inserts or replaces an entry
func (t *Table) Add(e Entry) {
	key := Normalize(e.Indicator)
	if key == "" {
		return
	}
	e.Indicator = key
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now().UTC()
	}

	t.mu.Lock()
	t.entries[key] = e
	t.mu.Unlock()
}

// Remove deletes an indicator
func (t *Table) Remove(indicator string) {
	t.mu.Lock()
	delete(t.entries, Normalize(indicator))
	t.mu.Unlock()
}

// Len returns the number of entries
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Lookup returns the entry for an indicator. Exempt addresses never hit,
// even when present in the table.
func (t *Table) Lookup(indicator string) (Entry, bool) {
	key := Normalize(indicator)
	if key == "" || IsExempt(key) {
		return Entry{}, false
	}

	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	return e, ok
}

// Normalize lowercases an indicator and strips brackets, ports and trailing dots
func Normalize(indicator string) string {
	s := strings.ToLower(strings.TrimSpace(indicator))
	if s == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimSuffix(s, ".")
	return s
}

var reservedBlocks = mustCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
	"2001:db8::/32",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("invalid reserved block %s: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// IsExempt reports whether an indicator is a private, loopback, link-local
// or otherwise reserved address. Non-address indicators are never exempt.
func IsExempt(indicator string) bool {
	ip := net.ParseIP(Normalize(indicator))
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, block := range reservedBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

type feedFile struct {
	Name       string  `yaml:"name"`
	Indicators []Entry `yaml:"indicators"`
}

// LoadFile adds every indicator from a YAML feed file and returns how many were added
func (t *Table) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read threat intel feed: %w", err)
	}

	var feed feedFile
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return 0, fmt.Errorf("failed to parse threat intel feed: %w", err)
	}

	added := 0
	for _, e := range feed.Indicators {
		if Normalize(e.Indicator) == "" {
			continue
		}
		if e.Feed == "" {
			e.Feed = feed.Name
		}
		t.Add(e)
		added++
	}
	return added, nil
}
