//go:build !darwin

package engine

import (
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
)

func resolveORTSharedLibraryPath(libPath string) (string, error) {
	if libPath == "" {
		return "", errors.New("empty onnxruntime shared library path")
	}
	absLibPath, err := filepath.Abs(libPath)
	if err != nil {
		return "", errors.Wrap(err, "onnxruntime library path")
	}
	return absLibPath, nil
}

func configureORTSearchPath(libDir string) {
	if runtime.GOOS == "linux" {
		prependPathEnv("LD_LIBRARY_PATH", libDir)
	}
}
