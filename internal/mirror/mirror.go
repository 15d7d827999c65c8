// Package mirror manages the on-disk representation of one organization: a
// directory per ruleset holding ruleset.json plus a subdirectory per rule
// holding rule.json and tags.json.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
)

// LocalSuffix marks identifiers minted locally before the platform has
// assigned one. It is the sole marker that an ID has never been seen remotely.
const LocalSuffix = "-localonly"

// Transient staging directories used by refresh. At rest neither exists.
const (
	BackupDirName = ".backup"
	RemoteDirName = ".remote"
)

// Canonical file names inside ruleset and rule directories.
const (
	RulesetFile = "ruleset.json"
	RuleFile    = "rule.json"
	TagsFile    = "tags.json"
)

// ErrNotFound is returned when a requested ruleset or rule does not exist in
// the mirror.
var ErrNotFound = errors.New("not found")

// IsLocalID reports whether an identifier was minted locally.
func IsLocalID(id string) bool {
	return len(id) > len(LocalSuffix) && id[len(id)-len(LocalSuffix):] == LocalSuffix
}

// OrgDirPath returns the organization directory path without creating it.
func OrgDirPath(stateDir, orgID string) string {
	return filepath.Join(stateDir, orgID)
}

const locatorCacheSize = 4096

// Mirror is the filesystem view of a single organization.
type Mirror struct {
	orgDir string

	// locs caches ruleID → rulesetID; entries are validated against the
	// filesystem on read, so stale entries only cost one extra stat.
	locs otter.Cache[string, string]
}

// New opens (creating if necessary) the mirror for orgID under stateDir.
func New(stateDir, orgID string) (*Mirror, error) {
	orgDir := filepath.Join(stateDir, orgID)
	if err := os.MkdirAll(orgDir, 0o755); err != nil {
		return nil, fmt.Errorf("mirror: mkdir %s: %w", orgDir, err)
	}
	locs, err := otter.MustBuilder[string, string](locatorCacheSize).
		Cost(func(_ string, _ string) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("mirror: build locator cache: %w", err)
	}
	return &Mirror{orgDir: orgDir, locs: locs}, nil
}

// OrgDir returns the organization's root directory.
func (m *Mirror) OrgDir() string { return m.orgDir }

// RulesetDir returns the directory path of a ruleset.
func (m *Mirror) RulesetDir(rulesetID string) string {
	return filepath.Join(m.orgDir, rulesetID)
}

// RuleDir returns the directory path of a rule.
func (m *Mirror) RuleDir(rulesetID, ruleID string) string {
	return filepath.Join(m.orgDir, rulesetID, ruleID)
}

// ListRulesets returns the ruleset IDs present on disk, sorted. The refresh
// staging directories are never reported.
func (m *Mirror) ListRulesets() ([]string, error) {
	entries, err := os.ReadDir(m.orgDir)
	if err != nil {
		return nil, fmt.Errorf("mirror: read %s: %w", m.orgDir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == BackupDirName || e.Name() == RemoteDirName {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// ListRules returns the rule IDs under a ruleset, sorted.
func (m *Mirror) ListRules(rulesetID string) ([]string, error) {
	dir := m.RulesetDir(rulesetID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("mirror: ruleset %s: %w", rulesetID, ErrNotFound)
		}
		return nil, fmt.Errorf("mirror: read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// HasRuleset reports whether a ruleset directory exists.
func (m *Mirror) HasRuleset(rulesetID string) bool {
	info, err := os.Stat(m.RulesetDir(rulesetID))
	return err == nil && info.IsDir()
}

// LocateRule finds the ruleset containing ruleID. Rule IDs are unique across
// the organization, so the first match wins.
func (m *Mirror) LocateRule(ruleID string) (string, error) {
	if rulesetID, ok := m.locs.Get(ruleID); ok {
		if info, err := os.Stat(m.RuleDir(rulesetID, ruleID)); err == nil && info.IsDir() {
			return rulesetID, nil
		}
		m.locs.Delete(ruleID)
	}

	rulesets, err := m.ListRulesets()
	if err != nil {
		return "", err
	}
	for _, rulesetID := range rulesets {
		if info, err := os.Stat(m.RuleDir(rulesetID, ruleID)); err == nil && info.IsDir() {
			m.locs.Set(ruleID, rulesetID)
			return rulesetID, nil
		}
	}
	return "", fmt.Errorf("mirror: rule %s: %w", ruleID, ErrNotFound)
}

// --- reads ---

// ReadRuleset loads ruleset.json for the given ruleset.
func (m *Mirror) ReadRuleset(rulesetID string) (map[string]any, error) {
	return readJSONFile(filepath.Join(m.RulesetDir(rulesetID), RulesetFile))
}

// ReadRule loads rule.json for the given rule.
func (m *Mirror) ReadRule(rulesetID, ruleID string) (map[string]any, error) {
	return readJSONFile(filepath.Join(m.RuleDir(rulesetID, ruleID), RuleFile))
}

// ReadTags loads tags.json for the given rule.
func (m *Mirror) ReadTags(rulesetID, ruleID string) (map[string]any, error) {
	return readJSONFile(filepath.Join(m.RuleDir(rulesetID, ruleID), TagsFile))
}

// --- writes ---

// WriteRuleset creates or overwrites a ruleset's ruleset.json.
func (m *Mirror) WriteRuleset(rulesetID string, data map[string]any) error {
	dir := m.RulesetDir(rulesetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mirror: mkdir %s: %w", dir, err)
	}
	return WriteJSONFile(filepath.Join(dir, RulesetFile), data)
}

// WriteRule creates or overwrites a rule directory with rule.json and
// tags.json. The enclosing ruleset must exist.
func (m *Mirror) WriteRule(rulesetID, ruleID string, rule, tags map[string]any) error {
	if !m.HasRuleset(rulesetID) {
		return fmt.Errorf("mirror: ruleset %s: %w", rulesetID, ErrNotFound)
	}
	dir := m.RuleDir(rulesetID, ruleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mirror: mkdir %s: %w", dir, err)
	}
	if err := WriteJSONFile(filepath.Join(dir, RuleFile), rule); err != nil {
		return err
	}
	if err := WriteJSONFile(filepath.Join(dir, TagsFile), tags); err != nil {
		return err
	}
	m.locs.Set(ruleID, rulesetID)
	return nil
}

// WriteTags overwrites only tags.json on an existing rule.
func (m *Mirror) WriteTags(rulesetID, ruleID string, tags map[string]any) error {
	dir := m.RuleDir(rulesetID, ruleID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("mirror: rule %s: %w", ruleID, ErrNotFound)
	}
	return WriteJSONFile(filepath.Join(dir, TagsFile), tags)
}

// WriteRuleFile overwrites only rule.json on an existing rule.
func (m *Mirror) WriteRuleFile(rulesetID, ruleID string, rule map[string]any) error {
	dir := m.RuleDir(rulesetID, ruleID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("mirror: rule %s: %w", ruleID, ErrNotFound)
	}
	return WriteJSONFile(filepath.Join(dir, RuleFile), rule)
}

// --- removals and renames ---

// RemoveRuleset deletes a ruleset directory and everything under it.
func (m *Mirror) RemoveRuleset(rulesetID string) error {
	dir := m.RulesetDir(rulesetID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("mirror: ruleset %s: %w", rulesetID, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("mirror: remove %s: %w", dir, err)
	}
	m.locs.Clear()
	return nil
}

// RemoveRule deletes a rule directory.
func (m *Mirror) RemoveRule(rulesetID, ruleID string) error {
	dir := m.RuleDir(rulesetID, ruleID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("mirror: rule %s: %w", ruleID, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("mirror: remove %s: %w", dir, err)
	}
	m.locs.Delete(ruleID)
	return nil
}

// RenameRuleset renames a ruleset directory, used when a push swaps a local
// ID for the platform-assigned one.
func (m *Mirror) RenameRuleset(oldID, newID string) error {
	if err := os.Rename(m.RulesetDir(oldID), m.RulesetDir(newID)); err != nil {
		return fmt.Errorf("mirror: rename ruleset %s -> %s: %w", oldID, newID, err)
	}
	m.locs.Clear()
	return nil
}

// RenameRule renames a rule directory within its ruleset.
func (m *Mirror) RenameRule(rulesetID, oldID, newID string) error {
	if err := os.Rename(m.RuleDir(rulesetID, oldID), m.RuleDir(rulesetID, newID)); err != nil {
		return fmt.Errorf("mirror: rename rule %s -> %s: %w", oldID, newID, err)
	}
	m.locs.Delete(oldID)
	m.locs.Set(newID, rulesetID)
	return nil
}

// InvalidateLocator clears the locate cache. Refresh calls this after
// swapping in a fresh remote capture.
func (m *Mirror) InvalidateLocator() {
	m.locs.Clear()
}

// --- local ID minting ---

// MintLocalRulesetID generates a ruleset ID that collides with nothing in the
// organization directory.
func (m *Mirror) MintLocalRulesetID() (string, error) {
	return mintIn(m.orgDir)
}

// MintLocalRuleID generates a rule ID that collides with nothing in the
// given ruleset directory.
func (m *Mirror) MintLocalRuleID(rulesetID string) (string, error) {
	if !m.HasRuleset(rulesetID) {
		return "", fmt.Errorf("mirror: ruleset %s: %w", rulesetID, ErrNotFound)
	}
	return mintIn(m.RulesetDir(rulesetID))
}

func mintIn(dir string) (string, error) {
	for {
		id := uuid.NewString() + LocalSuffix
		_, err := os.Stat(filepath.Join(dir, id))
		if errors.Is(err, os.ErrNotExist) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("mirror: stat %s: %w", filepath.Join(dir, id), err)
		}
	}
}

// --- JSON file helpers ---

func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("mirror: %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("mirror: read %s: %w", path, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("mirror: parse %s: %w", path, err)
	}
	return out, nil
}

// WriteJSONFile writes data as indented JSON via write-to-temp + rename, so
// readers never observe a partial file. The files are indented because users
// edit them offline.
func WriteJSONFile(path string, data any) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("mirror: marshal %s: %w", path, err)
	}
	out = append(out, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("mirror: temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("mirror: write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("mirror: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("mirror: rename %s: %w", path, err)
	}
	return nil
}
