package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/framebus"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

// ChannelInfo is one channel as reported by the control API.
type ChannelInfo struct {
	Status       supervisor.Status
	FPS          float64
	Dropped      uint64
	RecentStderr []string
}

// Controller is the channel manager as seen by the HTTP API. Unknown names
// return errors wrapping config.ErrUnknownChannel.
type Controller interface {
	Channels() []ChannelInfo
	Channel(name string) (ChannelInfo, error)
	LatestFrame(name string) (framebus.Frame, error)

	// StreamFrames calls fn with every new frame of the channel until ctx
	// is done, fn fails or the daemon shuts down.
	StreamFrames(ctx context.Context, name string, fn func(framebus.Frame) error) error

	ResetBreaker(name string) error
	ResetTransport(name string) error
	Restart(name string) error
}

// Server provides HTTP endpoints for Prometheus metrics, health checks and
// channel control.
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewServer creates a new metrics server. A nil gatherer uses the default
// Prometheus registry.
func NewServer(addr string, gatherer prometheus.Gatherer, ctrl Controller, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Server{
		addr:   addr,
		logger: logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(gatherer, ctrl),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// NewRouter builds the HTTP routes.
func NewRouter(gatherer prometheus.Gatherer, ctrl Controller) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Health check endpoints
	r.Get("/health", healthHandler)
	r.Get("/healthz", healthHandler)

	if ctrl != nil {
		a := &api{ctrl: ctrl}
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", a.listChannels)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", a.getChannel)
				r.Get("/frame.png", a.getFrame)
				r.Get("/stream", a.streamFrames)
				r.Post("/reset-breaker", a.resetBreaker)
				r.Post("/reset-transport", a.resetTransport)
				r.Post("/restart", a.restart)
			})
		})
	}

	return r
}

// healthHandler handles health check requests.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// Start binds the address and serves in a goroutine. Use Shutdown to stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info("metrics_server_starting", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics_server_error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("metrics_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// =============================================================================
// Channel API
// =============================================================================

type api struct {
	ctrl Controller
}

// channelView is the JSON form of a channel.
type channelView struct {
	Name             string         `json:"name"`
	Input            string         `json:"input"`
	State            string         `json:"state"`
	Generation       uint64         `json:"generation"`
	PID              int            `json:"pid,omitempty"`
	Restarts         int            `json:"restarts"`
	TotalRestarts    int            `json:"total_restarts"`
	BreakerCount     int            `json:"breaker_count"`
	BreakerThreshold int            `json:"breaker_threshold"`
	Frames           uint64         `json:"frames"`
	FPS              float64        `json:"fps"`
	Dropped          uint64         `json:"dropped"`
	LastFrameAt      *time.Time     `json:"last_frame_at,omitempty"`
	LastFailure      *failureView   `json:"last_failure,omitempty"`
	Transport        *transportView `json:"transport,omitempty"`
	RecentStderr     []string       `json:"recent_stderr,omitempty"`
}

type failureView struct {
	Reason     string    `json:"reason"`
	Generation uint64    `json:"generation"`
	ErrorCode  string    `json:"error_code,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type transportView struct {
	Current  string   `json:"current"`
	Sequence []string `json:"sequence"`
	Stage    int      `json:"stage"`
	Changes  int      `json:"changes"`
}

func newChannelView(ci ChannelInfo, withStderr bool) channelView {
	st := ci.Status
	v := channelView{
		Name:             st.Channel,
		Input:            st.Input,
		State:            st.State.String(),
		Generation:       st.Generation,
		PID:              st.PID,
		Restarts:         st.Restarts,
		TotalRestarts:    st.TotalRestarts,
		BreakerCount:     st.BreakerCount,
		BreakerThreshold: st.BreakerThreshold,
		Frames:           st.Frames,
		FPS:              ci.FPS,
		Dropped:          ci.Dropped,
	}
	if !st.LastFrameAt.IsZero() {
		t := st.LastFrameAt
		v.LastFrameAt = &t
	}
	if f := st.LastFailure; f != nil {
		fv := &failureView{
			Reason:     f.Reason.String(),
			Generation: f.Generation,
			ErrorCode:  f.ErrorCode,
			ExitCode:   f.ExitCode,
			Signal:     f.Signal,
			At:         f.At,
		}
		if f.Err != nil {
			fv.Error = f.Err.Error()
		}
		v.LastFailure = fv
	}
	if st.RTSP {
		v.Transport = &transportView{
			Current:  st.Transport.Current,
			Sequence: st.Transport.Sequence,
			Stage:    st.Transport.Index,
			Changes:  st.Transport.Changes,
		}
	}
	if withStderr {
		v.RecentStderr = ci.RecentStderr
	}
	return v
}

func (a *api) listChannels(w http.ResponseWriter, r *http.Request) {
	infos := a.ctrl.Channels()
	views := make([]channelView, 0, len(infos))
	for _, ci := range infos {
		views = append(views, newChannelView(ci, false))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *api) getChannel(w http.ResponseWriter, r *http.Request) {
	ci, err := a.ctrl.Channel(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newChannelView(ci, true))
}

func (a *api) getFrame(w http.ResponseWriter, r *http.Request) {
	f, err := a.ctrl.LatestFrame(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	w.Header().Set("X-Frame-Generation", strconv.FormatUint(f.Generation, 10))
	w.Header().Set("X-Trace-Id", f.TraceID)
	w.Header().Set("Last-Modified", f.Timestamp.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write(f.Data)
}

// streamFrames pushes frames as multipart/x-mixed-replace, which browsers
// render as a live image.
func (a *api) streamFrames(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := a.ctrl.Channel(name); err != nil {
		writeError(w, err)
		return
	}

	// The stream outlives the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	err := a.ctrl.StreamFrames(r.Context(), name, func(f framebus.Frame) error {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":       {"image/png"},
			"Content-Length":     {strconv.Itoa(len(f.Data))},
			"X-Frame-Seq":        {strconv.FormatUint(f.Seq, 10)},
			"X-Frame-Generation": {strconv.FormatUint(f.Generation, 10)},
			"X-Trace-Id":         {f.TraceID},
		})
		if err != nil {
			return err
		}
		if _, err := part.Write(f.Data); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err == nil || errors.Is(err, context.Canceled) {
		mw.Close()
	}
}

func (a *api) resetBreaker(w http.ResponseWriter, r *http.Request) {
	a.command(w, r, a.ctrl.ResetBreaker, "restarting")
}

func (a *api) resetTransport(w http.ResponseWriter, r *http.Request) {
	a.command(w, r, a.ctrl.ResetTransport, "transport reset")
}

func (a *api) restart(w http.ResponseWriter, r *http.Request) {
	a.command(w, r, a.ctrl.Restart, "restarting")
}

func (a *api) command(w http.ResponseWriter, r *http.Request, fn func(string) error, status string) {
	name := chi.URLParam(r, "name")
	if err := fn(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"channel": name, "status": status})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrUnknownChannel), errors.Is(err, framebus.ErrNoFrame):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
