package osutil

import (
	"os"
	"runtime"
)

const (
	PermissionOnlyOwnerReadWrite         os.FileMode = 0600
	PermissionOnlyOwnerReadWriteTraverse os.FileMode = 0700 // For directories
)

var (
	lf   = []byte("\n")
	crlf = []byte("\r\n")
)

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

// Returns the line separator used by log output on the current platform.
func LineSep() []byte {
	if IsWindows() {
		return crlf
	}
	return lf
}
