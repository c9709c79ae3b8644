package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes inherited sockets starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listen returns the socket handed over by systemd when the process was
// socket-activated, otherwise a new TCP listener on addr. activated reports
// which of the two it is.
func Listen(addr string) (ln net.Listener, activated bool, err error) {
	n, err := inherited(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return ln, false, nil
	}

	if n != 1 {
		return nil, false, fmt.Errorf("expected exactly one activated socket, got %d", n)
	}

	listeners, err := fileListeners(firstFD, n)
	if err != nil {
		return nil, false, err
	}

	// Child processes such as the build tool must not inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners[0], true, nil
}

// inherited returns how many sockets systemd passed to process pid, or 0
// when the process was not socket-activated.
func inherited(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		// Socket activation is for a different process
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q", fdsStr)
	}
	return n, nil
}

// fileListeners wraps n consecutive descriptors starting at first.
func fileListeners(first, n int) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := first + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		listeners = append(listeners, listener)
	}
	return listeners, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
