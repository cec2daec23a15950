//go:build !windows

package engine

import "os"

// setNativeEnv sets a variable for onnxruntime; on unix the process
// environment is the one the library reads.
func setNativeEnv(key, value string) {
	_ = os.Setenv(key, value)
}
