// Package guard switches the process into test mode when imported, so
// packages under test skip side effects such as scheduler registration.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("STOREFRONT_TEST_MODE") == "" {
			_ = os.Setenv("STOREFRONT_TEST_MODE", "1")
		}
	})
}
