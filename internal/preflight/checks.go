// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// fdsPerChannel covers the stdout and stderr pipes of one FFmpeg, its
	// network socket and slack for restarts that overlap the old process.
	fdsPerChannel = 8

	// fdOverhead covers the daemon itself (metrics server, logs, watcher).
	fdOverhead = 64
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks for the given number of channels.
func RunAll(channels int, ffmpegPath string) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	result.add(checkFileDescriptors(channels))
	result.add(checkProcessLimit(channels))

	ffmpegCheck := checkFFmpeg(ffmpegPath)
	result.add(ffmpegCheck)
	if ffmpegCheck.Passed {
		// The frame pipe needs the PNG encoder and the image2pipe muxer.
		result.add(checkFFmpegComponent(ffmpegPath, "-encoders", "png", "png_encoder"))
		result.add(checkFFmpegComponent(ffmpegPath, "-muxers", "image2pipe", "image2pipe_muxer"))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(channels int) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}
	return fileDescriptorCheck(channels, limit.Cur)
}

func fileDescriptorCheck(channels int, soft uint64) Check {
	required := channels*fdsPerChannel + fdOverhead
	actual := int(min(soft, uint64(1<<31-1)))

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d channels)", actual, required, channels),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
// RLIMIT_NPROC is not portable, so the soft limit is read from
// /proc/self/limits.
func checkProcessLimit(channels int) Check {
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}
	return processLimitCheck(channels, parseMaxProcesses(string(data)))
}

func processLimitCheck(channels, actual int) Check {
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	required := channels + 50
	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses returns the soft "Max processes" limit of a
// /proc/<pid>/limits file, 0 if absent.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// checkFFmpeg verifies FFmpeg is available and working.
func checkFFmpeg(path string) Check {
	output, err := exec.Command(path, "-hide_banner", "-version").Output()
	if err != nil {
		return Check{
			Name:    "ffmpeg",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	return Check{
		Name:    "ffmpeg",
		Passed:  true,
		Message: fmt.Sprintf("found at %s (version %s)", path, parseVersion(string(output))),
	}
}

// parseVersion extracts the version from "ffmpeg version 6.1 Copyright ...".
func parseVersion(output string) string {
	first, _, _ := strings.Cut(output, "\n")
	parts := strings.Fields(first)
	if len(parts) >= 3 && parts[1] == "version" {
		return parts[2]
	}
	return "unknown"
}

// checkFFmpegComponent verifies that an "ffmpeg <listFlag>" listing contains
// component.
func checkFFmpegComponent(path, listFlag, component, name string) Check {
	output, err := exec.Command(path, "-hide_banner", listFlag).Output()
	if err != nil {
		return Check{
			Name:    name,
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to list %s: %v", strings.TrimPrefix(listFlag, "-"), err),
		}
	}
	if !hasComponent(string(output), component) {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s not available in this FFmpeg build", component),
		}
	}
	return Check{
		Name:    name,
		Passed:  true,
		Message: "available",
	}
}

// hasComponent reports whether a listing such as "ffmpeg -encoders" has a
// row for name. Rows are " <flags> <name> <description>".
func hasComponent(listing, name string) bool {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "ffmpeg":
		return "install ffmpeg (apt install ffmpeg / brew install ffmpeg) or pass -ffmpeg"
	case "png_encoder", "image2pipe_muxer":
		return "use a full FFmpeg build (the distribution package includes both)"
	default:
		return "see documentation"
	}
}
