// Package parser classifies FFmpeg diagnostic output into failure reasons
// and reads FFmpeg's stderr stream line by line.
package parser

// Reason identifies why a stream failed. The string values are part of the
// external contract: metrics labels and dashboards are keyed on them.
type Reason string

const (
	ReasonNone Reason = ""

	// Process and pipe level reasons, derived from error codes.
	ReasonFFmpegMissing Reason = "ffmpeg-missing"
	ReasonFFmpegError   Reason = "ffmpeg-error"
	ReasonFFmpegExit    Reason = "ffmpeg-exit"
	ReasonFFmpegEnded   Reason = "ffmpeg-ended"
	ReasonStartError    Reason = "start-error"
	ReasonStreamError   Reason = "stream-error"
	ReasonStreamClosed  Reason = "stream-closed"

	// Timer reasons.
	ReasonStartTimeout    Reason = "start-timeout"
	ReasonWatchdogTimeout Reason = "watchdog-timeout"
	ReasonStreamIdle      Reason = "stream-idle"

	// Data integrity.
	ReasonCorruptedFrame Reason = "corrupted-frame"

	// RTSP reasons, derived from stderr text.
	ReasonRTSPTimeout           Reason = "rtsp-timeout"
	ReasonRTSPAuthFailure       Reason = "rtsp-auth-failure"
	ReasonRTSPNotFound          Reason = "rtsp-not-found"
	ReasonRTSPConnectionFailure Reason = "rtsp-connection-failure"

	// Terminal.
	ReasonCircuitBreaker Reason = "circuit-breaker"
)

// AllReasons lists every reason in the vocabulary, in a stable order.
var AllReasons = []Reason{
	ReasonFFmpegMissing,
	ReasonFFmpegError,
	ReasonFFmpegExit,
	ReasonFFmpegEnded,
	ReasonStartError,
	ReasonStartTimeout,
	ReasonWatchdogTimeout,
	ReasonStreamIdle,
	ReasonStreamError,
	ReasonStreamClosed,
	ReasonCorruptedFrame,
	ReasonRTSPTimeout,
	ReasonRTSPAuthFailure,
	ReasonRTSPNotFound,
	ReasonRTSPConnectionFailure,
	ReasonCircuitBreaker,
}

// String implements fmt.Stringer.
func (r Reason) String() string {
	return string(r)
}

// IsRTSP reports whether the reason was derived from RTSP diagnostics.
// RTSP reasons are remembered for the whole process generation.
func (r Reason) IsRTSP() bool {
	switch r {
	case ReasonRTSPTimeout, ReasonRTSPAuthFailure, ReasonRTSPNotFound, ReasonRTSPConnectionFailure:
		return true
	default:
		return false
	}
}

// DrivesTransportFallback reports whether the reason should move an RTSP
// source to its next transport.
func (r Reason) DrivesTransportFallback() bool {
	return r == ReasonRTSPTimeout || r == ReasonRTSPConnectionFailure
}

// TerminatesImmediately reports whether a failure of this kind kills the
// process without waiting for a graceful exit.
func (r Reason) TerminatesImmediately() bool {
	switch r {
	case ReasonWatchdogTimeout, ReasonStreamIdle, ReasonRTSPTimeout, ReasonCircuitBreaker:
		return true
	default:
		return false
	}
}
