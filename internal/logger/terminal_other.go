//go:build !linux

package logger

// isTerminal is a conservative fallback for platforms without a
// terminal probe; color is disabled there.
func isTerminal(uintptr) bool {
	return false
}
