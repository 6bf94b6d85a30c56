// Package process provides abstractions for running external processes.
package process

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Request describes one transcoder invocation.
type Request struct {
	// Input is the source locator (rtsp://, file path, http:// ...).
	Input string

	// FrameRate is the output frame rate. Zero keeps the source rate.
	FrameRate float64

	// Transport is the RTSP transport (tcp, udp). Ignored for non-RTSP input.
	Transport string

	// ExtraArgs are appended to the output options, before the output target.
	ExtraArgs []string
}

// Factory spawns transcoder processes.
// This interface allows the supervisor to be process-agnostic and lets
// tests substitute scripted processes.
type Factory interface {
	// Spawn starts a process. The returned process is already running.
	Spawn(ctx context.Context, req Request) (Process, error)

	// Name returns a human-readable name for this process type.
	Name() string
}

// Process is a running transcoder instance.
//
// Stdout and Stderr must be read to EOF before Wait is called.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits. A non-nil error means the exit
	// status could not be determined.
	Wait() (Exit, error)

	// Signal delivers sig to the process (and its process group).
	Signal(sig syscall.Signal) error
}

// Exit describes how a process terminated.
type Exit struct {
	// Code is the exit status, or -1 when the process was killed by a signal.
	Code int

	// Signal is the terminating signal name ("SIGKILL"), empty for a
	// normal exit.
	Signal string
}

// Success reports whether the process exited with status 0.
func (e Exit) Success() bool {
	return e.Code == 0 && e.Signal == ""
}

// ExitFromError converts an exec.Cmd.Wait error into an Exit.
// It returns false when err does not describe a process exit.
func ExitFromError(err error) (Exit, bool) {
	if err == nil {
		return Exit{}, true
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Exit{}, false
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return Exit{Code: -1, Signal: SignalName(status.Signal())}, true
	}
	return Exit{Code: exitErr.ExitCode()}, true
}

// SignalName returns the conventional name of sig, e.g. "SIGTERM".
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}

// IsNotFound reports whether a spawn error means the binary does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT)
}

// ErrorCode returns the symbolic errno carried by err ("ENOENT", "EACCES"),
// or "" when there is none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if IsNotFound(err) {
		return "ENOENT"
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if name := unix.ErrnoName(errno); name != "" {
			return name
		}
		return strings.ToUpper(errno.Error())
	}
	return ""
}

// IsRTSP reports whether input is an RTSP locator.
func IsRTSP(input string) bool {
	lower := strings.ToLower(strings.TrimSpace(input))
	return strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtsps://")
}
