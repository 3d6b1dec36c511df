package util

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ListenFdsEnvKey names the environment variable that carries listening socket
// file descriptors handed over by a supervisor (colon-separated numbers).
const ListenFdsEnvKey = "LISTEN_FDS"

// ParseInheritedListenerFDs returns the descriptor numbers in envVarName, or nil
// when the variable is unset.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	fdsEnv := os.Getenv(envVarName)
	if fdsEnv == "" {
		return nil, nil
	}

	fdStrings := strings.Split(fdsEnv, ":")
	fds := make([]uintptr, 0, len(fdStrings))
	for _, fdStr := range fdStrings {
		fdInt, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in environment variable %s (value: %q): %s (%w)", envVarName, fdsEnv, fdStr, err)
		}
		if fdInt < 0 {
			return nil, fmt.Errorf("invalid negative FD number in environment variable %s (value: %q): %d", envVarName, fdsEnv, fdInt)
		}
		fds = append(fds, uintptr(fdInt))
	}
	return fds, nil
}

// NewListenerFromFD wraps an open listening socket descriptor. The descriptor is
// owned by the returned listener; on error it is closed.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	file := os.NewFile(fd, fmt.Sprintf("inherited-listener-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("os.NewFile returned nil for FD %d", fd)
	}
	// FileListener dups the descriptor, so the original is released either way.
	defer file.Close()

	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for FD %d: %w", fd, err)
	}
	return l, nil
}

// InheritedListener returns the first listener handed over through LISTEN_FDS.
// ok is false when the variable is unset. Additional descriptors are closed.
func InheritedListener() (l net.Listener, ok bool, err error) {
	fds, err := ParseInheritedListenerFDs(ListenFdsEnvKey)
	if err != nil {
		return nil, false, err
	}
	if len(fds) == 0 {
		return nil, false, nil
	}
	for _, extra := range fds[1:] {
		if f := os.NewFile(extra, "unused-inherited-listener"); f != nil {
			_ = f.Close()
		}
	}
	l, err = NewListenerFromFD(fds[0])
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}
