// Package gomod locates the harness module on disk and, from it, the monorepo checkout that
// holds the helm charts and dev values.
package gomod

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
)

// ModulePath is the import path of this harness.
const ModulePath = "github.com/astriaorg/astria/system-tests"

// ChartsDir is the directory, relative to the repository root, that holds the helm charts.
const ChartsDir = "charts"

// FindGoModDir walks up from start until it finds a go.mod declaring moduleName.
func FindGoModDir(start string, moduleName string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for %s: %w", start, err)
	}
	for {
		modPath := filepath.Join(dir, "go.mod")
		data, err := os.ReadFile(modPath)
		if err == nil {
			modFile, err := modfile.ParseLax(modPath, data, nil)
			if err != nil {
				return "", fmt.Errorf("failed to parse %s: %w", modPath, err)
			}
			if modFile.Module != nil && modFile.Module.Mod.Path == moduleName {
				return dir, nil
			}
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read %s: %w", modPath, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod with module path %q not found", moduleName)
		}
		dir = parent
	}
}

// FindRepoRoot returns the directory containing ChartsDir: the harness module directory
// itself, or the nearest ancestor of it.
func FindRepoRoot(start string) (string, error) {
	modDir, err := FindGoModDir(start, ModulePath)
	if err != nil {
		return "", err
	}
	for dir := modDir; ; {
		if fi, err := os.Stat(filepath.Join(dir, ChartsDir)); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found above %s", ChartsDir, modDir)
		}
		dir = parent
	}
}
