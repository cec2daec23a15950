//go:build darwin

package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const darwinSharedLibraryName = "libonnxruntime.dylib"

func resolveORTSharedLibraryPath(libPath string) (string, error) {
	// Prefer project/local dylib when building/running from source.
	candidates := []string{darwinSharedLibraryName}

	// Fall back to dylib next to executable.
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), darwinSharedLibraryName))
	}

	if libPath != "" && filepath.Ext(libPath) == ".dylib" {
		candidates = append(candidates, libPath)
	}

	p, checked := firstFile(candidates)
	if p == "" {
		return "", errors.Errorf("cannot find %s, checked: %s", darwinSharedLibraryName, strings.Join(checked, ", "))
	}
	return p, nil
}

func configureORTSearchPath(libDir string) {
	prependPathEnv("DYLD_LIBRARY_PATH", libDir)
}
