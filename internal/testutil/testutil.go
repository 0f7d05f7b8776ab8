// Package testutil provides opt-in integration-test plumbing, the same
// .env.test-plus-environment-variable-gate idiom the teacher uses
// around its database integration tests, re-themed from "real
// Postgres" to "real worker binary".
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env.test (searching the working directory and up to
// 4 of its parents, in case the test binary runs from a package
// subdirectory) into the
// process environment without overwriting variables already set,
// mirroring the teacher's LoadTestEnv.
func LoadDotEnv(t *testing.T) {
	t.Helper()

	envPath := findEnvTestFile()
	if envPath == "" {
		return
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("testutil: failed to read %s: %v", envPath, err)
		return
	}

	for k, v := range envMap {
		if os.Getenv(k) == "" {
			os.Setenv(k, v)
		}
	}
}

// RequireIntegrationWorker loads .env.test and returns the path to a
// real worker binary for tests that need to exercise the Subprocess
// Channel against something other than the in-process TestHelperProcess
// double. It skips the test when no such binary is configured, the
// same gate the teacher applies to its RUN_INTEGRATION_TESTS-guarded
// Postgres tests.
func RequireIntegrationWorker(t *testing.T) string {
	t.Helper()
	LoadDotEnv(t)

	path := os.Getenv("SWARMTEST_INTEGRATION_WORKER_PATH")
	if path == "" {
		t.Skip("SWARMTEST_INTEGRATION_WORKER_PATH not set, skipping integration test")
	}
	return path
}

func findEnvTestFile() string {
	dir, _ := os.Getwd()

	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
