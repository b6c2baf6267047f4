package shared

import "fmt"

// UsageGuardKey builds redis keys guarding idempotent usage registration.
func UsageGuardKey(documentID string) string {
	return fmt.Sprintf("fiscal:usage:%s:seen", documentID)
}
