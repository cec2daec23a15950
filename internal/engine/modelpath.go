package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// resolveModelPath tries the path as given, then next to the executable.
func resolveModelPath(modelPath string) (string, error) {
	if modelPath == "" {
		return "", errors.New("empty model path")
	}

	candidates := []string{modelPath}
	if !filepath.IsAbs(modelPath) {
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			candidates = append(candidates,
				filepath.Join(exeDir, modelPath),
				filepath.Join(exeDir, filepath.Base(modelPath)))
		}
	}
	p, checked := firstFile(candidates)
	if p == "" {
		return "", errors.Errorf("model file not found, checked: %s", strings.Join(checked, ", "))
	}
	return p, nil
}

// firstFile returns the first candidate that is a regular file, and the
// absolute paths it looked at.
func firstFile(candidates []string) (string, []string) {
	checked := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, p := range candidates {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		checked = append(checked, abs)
		info, err := os.Stat(abs)
		if err == nil && !info.IsDir() {
			return abs, checked
		}
	}
	return "", checked
}

// prependPathEnv puts dir at the front of a list-valued variable such as
// PATH, once.
func prependPathEnv(key, dir string) {
	cur := os.Getenv(key)
	for _, p := range filepath.SplitList(cur) {
		if p == dir {
			return
		}
	}
	if cur == "" {
		setNativeEnv(key, dir)
		return
	}
	setNativeEnv(key, dir+string(os.PathListSeparator)+cur)
}
