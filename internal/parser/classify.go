package parser

// Classification of FFmpeg stderr for RTSP sources.
//
// Example FFmpeg stderr output (warning level):
//
//	[tcp @ 0x55d1] Connection to tcp://10.0.0.7:554?timeout=0 failed: Connection refused
//	[rtsp @ 0x55d1] method DESCRIBE failed: 401 Unauthorized
//	[rtsp @ 0x55d1] method DESCRIBE failed: 404 Not Found
//	[rtsp @ 0x55d1] method SETUP failed: 503 Service Unavailable
//	[tcp @ 0x55d1] Connection to tcp://10.0.0.7:554 failed: Connection timed out
//	rtsp://cam/stream: Network is unreachable
//
// Families are evaluated in order and the first match wins. Timeouts come
// first because "Connection ... failed: Connection timed out" also looks like
// a connection failure.

import "regexp"

type patternFamily struct {
	reason   Reason
	patterns []*regexp.Regexp
}

var families = []patternFamily{
	{
		reason: ReasonRTSPTimeout,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)connection timed out`),
			regexp.MustCompile(`(?i)operation timed out`),
			regexp.MustCompile(`(?i)\btimed out\b`),
			regexp.MustCompile(`(?i)\b(?:connection|response|read|receive) timeout\b`),
			regexp.MustCompile(`(?i)\btimeout (?:expired|exceeded|reached)\b`),
			regexp.MustCompile(`(?i)no response from server`),
			regexp.MustCompile(`(?i)(?:failed|returned):?\s*408\b`),
		},
	},
	{
		reason: ReasonRTSPAuthFailure,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:failed|returned):?\s*401\b`),
			regexp.MustCompile(`(?i)\b401 unauthorized\b`),
			regexp.MustCompile(`(?i)\bunauthorized\b`),
			regexp.MustCompile(`(?i)authorization (?:failed|required)`),
			regexp.MustCompile(`(?i)authentication failed`),
		},
	},
	{
		reason: ReasonRTSPNotFound,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:failed|returned):?\s*404\b`),
			regexp.MustCompile(`(?i)\b404 not found\b`),
			regexp.MustCompile(`(?i)(?:failed|returned):?\s*5\d\d\b`),
			regexp.MustCompile(`(?i)\b5\d\d (?:internal server error|not implemented|bad gateway|service unavailable|gateway time-?out)\b`),
			regexp.MustCompile(`(?i)stream not found`),
		},
	},
	{
		reason: ReasonRTSPConnectionFailure,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)connection refused`),
			regexp.MustCompile(`(?i)connection reset`),
			regexp.MustCompile(`(?i)(?:network|host) is unreachable`),
			regexp.MustCompile(`(?i)no route to host`),
			regexp.MustCompile(`(?i)broken pipe`),
			regexp.MustCompile(`(?i)could not connect`),
			regexp.MustCompile(`(?i)failed to resolve hostname`),
			regexp.MustCompile(`(?i)name or service not known`),
		},
	},
}

// Classify maps one line of FFmpeg stderr to an RTSP failure reason.
// It returns false when the line does not describe a failure.
func Classify(line string) (Reason, bool) {
	if line == "" {
		return ReasonNone, false
	}
	for _, fam := range families {
		for _, re := range fam.patterns {
			if re.MatchString(line) {
				return fam.reason, true
			}
		}
	}
	return ReasonNone, false
}
