//go:build windows

package logger

import "os"

// Windows consoles get plain output.
func isTerminal(*os.File) bool { return false }
