// Package activation resolves the listener of the trigger server: a socket
// handed over by systemd, or a TCP listener on the configured base URL.
package activation

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
)

// firstFD is the first descriptor systemd passes (0-2 are stdio)
const firstFD = 3

// Listen returns the first socket-activated listener if systemd passed one to
// this process, otherwise a TCP listener on the host and port of baseURL.
func Listen(baseURL string) (net.Listener, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		return listeners[0], nil
	}

	addr, err := Addr(baseURL)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return ln, nil
}

// Addr returns the host:port a base URL such as http://127.0.0.1:8000 binds to.
// A missing port defaults from the scheme.
func Addr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid base url %q", baseURL)
	}
	if u.Hostname() == "" {
		return "", errors.Newf("base url %q has no host", baseURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return "", errors.Newf("base url %q has no port", baseURL)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Listeners returns the listeners systemd passed via LISTEN_PID/LISTEN_FDS,
// or nil if the process was not socket-activated.
func Listeners() ([]net.Listener, error) {
	n, err := activatedFDs(os.LookupEnv, os.Getpid())
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, errors.Newf("failed to create file for fd %d", fd)
		}

		ln, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor.
		_ = file.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create listener from fd %d", fd)
		}
		listeners = append(listeners, ln)
	}

	// Child processes such as git must not inherit the activation.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs returns how many descriptors were passed to the process pid
func activatedFDs(lookup func(string) (string, bool), pid int) (int, error) {
	pidStr, ok := lookup("LISTEN_PID")
	if !ok || pidStr == "" {
		return 0, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid LISTEN_PID %q", pidStr)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr, ok := lookup("LISTEN_FDS")
	if !ok || fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid LISTEN_FDS %q", fdsStr)
	}
	if n < 1 {
		return 0, nil
	}
	return n, nil
}
