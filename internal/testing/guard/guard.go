// Package guard switches the process into test mode when imported for side
// effects, so binaries and the app package skip network startup under go test.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

var testDefaults = map[string]string{
	"ODYSSEY_TEST_MODE": "1",
	"SESSION_SECRET":    "test-session-secret",
	"CSRF_SECRET":       "test-csrf-secret",
}

func init() {
	once.Do(func() {
		for key, value := range testDefaults {
			if os.Getenv(key) == "" {
				_ = os.Setenv(key, value)
			}
		}
	})
}
