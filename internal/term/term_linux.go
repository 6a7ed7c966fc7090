//go:build linux

package term

import (
	"os"
	"syscall"
	"unsafe"
)

// tcgets is the Linux TCGETS ioctl. Reading terminal attributes is the
// cheapest way to ask "is this fd a tty"; the attributes themselves are
// discarded.
const tcgets = 0x5401

func isTerminal(f *os.File) bool {
	var termios syscall.Termios
	_, _, errno := syscall.Syscall6(
		syscall.SYS_IOCTL,
		f.Fd(),
		tcgets,
		uintptr(unsafe.Pointer(&termios)),
		0, 0, 0,
	)
	return errno == 0
}
