// Package testutil holds helpers shared by package tests, including an
// in-memory Ledger that answers APDUs.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"
)

// DefaultTimeout bounds a test's context.
const DefaultTimeout = 5 * time.Second

// TempDir creates a directory removed when the test ends.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hwsign-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})
	return dir
}

// Context returns a context cancelled after DefaultTimeout or when the
// test ends, so a hung device exchange fails the test instead of the run.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	t.Cleanup(cancel)
	return ctx
}

// SetEnv sets key for the duration of the test.
func SetEnv(t *testing.T, key, value string) {
	t.Helper()
	restoreEnv(t, key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env var %s: %v", key, err)
	}
}

// UnsetEnv removes key for the duration of the test.
func UnsetEnv(t *testing.T, key string) {
	t.Helper()
	restoreEnv(t, key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env var %s: %v", key, err)
	}
}

func restoreEnv(t *testing.T, key string) {
	old, hadOld := os.LookupEnv(key)
	t.Cleanup(func() {
		if hadOld {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}
