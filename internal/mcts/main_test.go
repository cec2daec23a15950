package mcts

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// search-start/search-done debug lines would flood test output
func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}
