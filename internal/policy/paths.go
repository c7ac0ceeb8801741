package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	apperrors "healbot/internal/errors"
)

// CleanRelative normalizes a proposal path and rejects absolute paths,
// parent traversal, and empty names.
func CleanRelative(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", apperrors.Validationf("file path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return "", apperrors.Validationf("file path contains NUL")
	}
	slashed := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", apperrors.Validationf("file path %q must be relative", p)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", apperrors.Validationf("file path %q escapes the project root", p)
		}
	}
	clean := filepath.Clean(filepath.FromSlash(slashed))
	if clean == "." {
		return "", apperrors.Validationf("file path %q names the project root", p)
	}
	return clean, nil
}

// ResolveWithin joins rel onto root and verifies that the result, after
// resolving symlinks, stays inside root.
func ResolveWithin(root, rel string) (string, error) {
	clean, err := CleanRelative(rel)
	if err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apperrors.PatchApplyFailure(err, "resolve project root")
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", apperrors.PatchApplyFailure(err, "resolve project root")
	}

	target := filepath.Join(realRoot, clean)
	real, err := evalExisting(target)
	if err != nil {
		return "", apperrors.PatchApplyFailure(err, "resolve "+rel)
	}
	relToRoot, err := filepath.Rel(realRoot, real)
	if err != nil || relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", apperrors.Validationf("file path %q resolves outside the project root", rel)
	}
	return target, nil
}

// evalExisting resolves symlinks on the longest existing prefix of p.
func evalExisting(p string) (string, error) {
	real, err := filepath.EvalSymlinks(p)
	if err == nil {
		return real, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p, nil
	}
	realParent, err := evalExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, filepath.Base(p)), nil
}
