package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoVideoStream is returned when the probed input has no video stream.
var ErrNoVideoStream = errors.New("no video stream found")

// probeOutput is the subset of "ffprobe -print_format json -show_streams"
// that is read.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	Index        int    `json:"index"`
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
}

// InputInfo describes the first video stream of an input.
type InputInfo struct {
	Codec     string
	Width     int
	Height    int
	FrameRate float64 // 0 when ffprobe reports no rate
}

// String returns "h264 1920x1080 @ 25.00 fps".
func (i InputInfo) String() string {
	s := fmt.Sprintf("%s %dx%d", i.Codec, i.Width, i.Height)
	if i.FrameRate > 0 {
		s += fmt.Sprintf(" @ %.2f fps", i.FrameRate)
	}
	return s
}

// Probe runs ffprobe against the request's input and returns its first
// video stream. RTSP inputs are probed with the request's transport.
func (f *FFmpegFactory) Probe(ctx context.Context, req Request) (InputInfo, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "v:0",
	}

	if IsRTSP(req.Input) {
		if req.Transport != "" {
			args = append(args, "-rtsp_transport", req.Transport)
		}
		if f.config.RTSPTimeout > 0 {
			args = append(args, "-timeout", strconv.FormatInt(f.config.RTSPTimeout.Microseconds(), 10))
		}
	}
	args = append(args, req.Input)

	output, err := exec.CommandContext(ctx, f.FFprobePath(), args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return InputInfo{}, fmt.Errorf("ffprobe failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return InputInfo{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbeOutput(output)
}

func parseProbeOutput(output []byte) (InputInfo, error) {
	var result probeOutput
	if err := json.Unmarshal(output, &result); err != nil {
		return InputInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, s := range result.Streams {
		if s.CodecType != "video" {
			continue
		}
		rate := parseRate(s.AvgFrameRate)
		if rate == 0 {
			rate = parseRate(s.RFrameRate)
		}
		return InputInfo{
			Codec:     s.CodecName,
			Width:     s.Width,
			Height:    s.Height,
			FrameRate: rate,
		}, nil
	}
	return InputInfo{}, ErrNoVideoStream
}

// parseRate parses ffprobe rationals such as "30000/1001". "0/0" and
// malformed values yield 0.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// FFprobePath returns the path to ffprobe.
// It looks in the same directory as ffmpeg, or falls back to PATH.
func (f *FFmpegFactory) FFprobePath() string {
	return ffprobeFor(f.config.BinaryPath)
}

func ffprobeFor(ffmpegPath string) string {
	dir, base := filepath.Split(ffmpegPath)
	if dir != "" && strings.HasPrefix(base, "ffmpeg") {
		// e.g. /usr/local/bin/ffmpeg -> /usr/local/bin/ffprobe
		candidate := dir + "ffprobe" + strings.TrimPrefix(base, "ffmpeg")
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate
		}
	}
	return "ffprobe"
}
