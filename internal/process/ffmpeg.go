package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// FFmpegConfig holds configuration for FFmpeg process execution.
type FFmpegConfig struct {
	// BinaryPath is the path to the FFmpeg binary.
	BinaryPath string

	// LogLevel is the FFmpeg log level (error, warning, info, verbose, debug).
	// Failure classification needs at least "warning".
	LogLevel string

	// RTSPTimeout is FFmpeg's socket timeout for RTSP input. Zero omits it.
	RTSPTimeout time.Duration
}

// DefaultFFmpegConfig returns an FFmpegConfig with sensible defaults.
func DefaultFFmpegConfig() *FFmpegConfig {
	return &FFmpegConfig{
		BinaryPath:  "ffmpeg",
		LogLevel:    "warning",
		RTSPTimeout: 10 * time.Second,
	}
}

// FFmpegFactory implements Factory for FFmpeg processes that write PNG
// frames to stdout.
type FFmpegFactory struct {
	config *FFmpegConfig
}

// NewFFmpegFactory creates a new FFmpeg factory with the given configuration.
func NewFFmpegFactory(cfg *FFmpegConfig) *FFmpegFactory {
	return &FFmpegFactory{
		config: cfg,
	}
}

// Name returns "ffmpeg".
func (f *FFmpegFactory) Name() string {
	return "ffmpeg"
}

// Config returns the FFmpeg configuration.
func (f *FFmpegFactory) Config() *FFmpegConfig {
	return f.config
}

// Spawn starts FFmpeg in its own process group with stdout and stderr piped.
func (f *FFmpegFactory) Spawn(ctx context.Context, req Request) (Process, error) {
	cmd := exec.CommandContext(ctx, f.config.BinaryPath, f.buildArgs(req)...)

	// Set process group for clean shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &ffmpegProcess{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// buildArgs constructs the FFmpeg command-line arguments.
func (f *FFmpegFactory) buildArgs(req Request) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", f.config.LogLevel,
	}

	// RTSP input options (must come before -i)
	if IsRTSP(req.Input) {
		if req.Transport != "" {
			args = append(args, "-rtsp_transport", req.Transport)
		}
		if f.config.RTSPTimeout > 0 {
			// Socket timeout in microseconds
			args = append(args, "-timeout", strconv.FormatInt(f.config.RTSPTimeout.Microseconds(), 10))
		}
	}

	args = append(args, "-i", req.Input)

	// Video only
	args = append(args, "-an")

	if req.FrameRate > 0 {
		args = append(args, "-vf", "fps="+strconv.FormatFloat(req.FrameRate, 'f', -1, 64))
	}

	// Output: PNG images concatenated on stdout
	args = append(args, "-f", "image2pipe", "-vcodec", "png")
	args = append(args, req.ExtraArgs...)
	args = append(args, "pipe:1")

	return args
}

// CommandString returns the command that would be executed (for debugging).
func (f *FFmpegFactory) CommandString(req Request) string {
	args := f.buildArgs(req)
	return f.config.BinaryPath + " " + strings.Join(args, " ")
}

// ffmpegProcess adapts exec.Cmd to Process.
type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	exited atomic.Bool
}

func (p *ffmpegProcess) PID() int          { return p.cmd.Process.Pid }
func (p *ffmpegProcess) Stdout() io.Reader { return p.stdout }
func (p *ffmpegProcess) Stderr() io.Reader { return p.stderr }

func (p *ffmpegProcess) Wait() (Exit, error) {
	err := p.cmd.Wait()
	p.exited.Store(true)

	if exit, ok := ExitFromError(err); ok {
		return exit, nil
	}
	return Exit{}, err
}

// Signal sends sig to the whole process group so that helpers spawned by
// FFmpeg die with it. Signalling an exited process is a no-op.
func (p *ffmpegProcess) Signal(sig syscall.Signal) error {
	if p.exited.Load() {
		return os.ErrProcessDone
	}
	return signalGroup(p.cmd.Process, sig)
}

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if proc == nil {
		return nil
	}
	if pgid, err := unix.Getpgid(proc.Pid); err == nil {
		return unix.Kill(-pgid, sig)
	}
	return proc.Signal(sig)
}
