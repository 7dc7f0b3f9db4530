//go:build !linux && !darwin

package logger

// isTerminal conservatively reports false on platforms without an ioctl
// probe, so color output stays disabled.
func isTerminal(fd uintptr) bool {
	return false
}
