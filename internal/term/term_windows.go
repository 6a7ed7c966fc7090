//go:build windows

package term

import "os"

// Colors stay off on Windows until someone needs them; enabling them
// means opting into VT processing through the Console API first.
func isTerminal(f *os.File) bool { return false }
