// Package guard forces test mode before any package-level setup runs.
// Blank-import it from tests that touch runtime wiring.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("BALCAO_TEST_MODE") == "" {
			_ = os.Setenv("BALCAO_TEST_MODE", "1")
		}
	})
}
