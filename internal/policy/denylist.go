// Package policy holds the sensitive-path deny-list shared by the arbiter
// and the patch engine.
package policy

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "healbot/internal/errors"
)

// Rules is the on-disk policy file format.
type Rules struct {
	DenyPaths      []string `yaml:"deny_paths"`
	DenyCategories []string `yaml:"deny_categories"`
}

// LoadRules reads a YAML policy file. A missing file yields empty rules.
func LoadRules(p string) (Rules, error) {
	if p == "" {
		return Rules{}, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return Rules{}, nil
		}
		return Rules{}, fmt.Errorf("policy rules read: %w", err)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("policy rules unmarshal: %w", err)
	}
	return r, nil
}

// DenyList matches file paths and report categories against the configured
// rules plus any rules loaded from the policy file. File rules only add to
// the configured base.
type DenyList struct {
	mu         sync.RWMutex
	base       Rules
	paths      []string
	categories map[string]struct{}
}

func NewDenyList(paths, categories []string) *DenyList {
	d := &DenyList{base: Rules{DenyPaths: paths, DenyCategories: categories}}
	d.Replace(Rules{})
	return d
}

// Replace swaps the file-sourced rules atomically.
func (d *DenyList) Replace(overlay Rules) {
	paths := make([]string, 0, len(d.base.DenyPaths)+len(overlay.DenyPaths))
	cats := make(map[string]struct{})
	for _, set := range []Rules{d.base, overlay} {
		for _, p := range set.DenyPaths {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				paths = append(paths, p)
			}
		}
		for _, c := range set.DenyCategories {
			c = strings.ToLower(strings.TrimSpace(c))
			if c != "" {
				cats[c] = struct{}{}
			}
		}
	}

	d.mu.Lock()
	d.paths = paths
	d.categories = cats
	d.mu.Unlock()
}

// MatchPath returns the first pattern matching file. Patterns containing
// glob metacharacters match the whole path or any single segment; other
// patterns match as case-insensitive substrings.
func (d *DenyList) MatchPath(file string) (string, bool) {
	norm := strings.ToLower(path.Clean(filepath.ToSlash(file)))
	segments := strings.Split(norm, "/")

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, pattern := range d.paths {
		if strings.ContainsAny(pattern, "*?[") {
			if ok, _ := path.Match(pattern, norm); ok {
				return pattern, true
			}
			for _, seg := range segments {
				if ok, _ := path.Match(pattern, seg); ok {
					return pattern, true
				}
			}
			continue
		}
		if strings.Contains(norm, pattern) || strings.Contains(norm+"/", pattern) {
			return pattern, true
		}
	}
	return "", false
}

// CheckPath returns a DenyListViolation when file matches.
func (d *DenyList) CheckPath(file string) error {
	if pattern, ok := d.MatchPath(file); ok {
		return apperrors.DenyListViolation(file, pattern)
	}
	return nil
}

func (d *DenyList) DeniedCategory(category string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.categories[strings.ToLower(strings.TrimSpace(category))]
	return ok
}

func (d *DenyList) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.paths...)
}
