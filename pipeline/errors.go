package pipeline

import (
	"fmt"
	"unicode/utf8"
)

// Pipeline errors
var (
	ErrInvalidConfig = fmt.Errorf("invalid pipeline configuration")
	ErrNotPrimed     = fmt.Errorf("run has no metrics snapshot")
)

// Messages stored on the commit activity record and on partial runs.
const (
	msgActivityUnavailable = "Commit activity statistics are not available for this repository."
	msgActivityRetryLimit  = "Commit activity statistics were still being computed when the retry limit was reached."
)

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
