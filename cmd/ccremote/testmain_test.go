package main

import (
	"os"
	"testing"

	"github.com/ccremote/ccremote/internal/config"
)

// TestMain points the data directory at a scratch location so no test can
// touch a real ~/.ccremote.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "ccremote-cli-test-")
	if err != nil {
		panic(err)
	}
	os.Setenv(config.HomeEnv, dir)

	code := m.Run()

	os.RemoveAll(dir)
	os.Exit(code)
}
