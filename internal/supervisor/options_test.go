package supervisor

import (
	"errors"
	"testing"
	"time"
)

func validOptions() Options {
	o := DefaultOptions()
	o.Input = "rtsp://camera.local/stream"
	return o
}

// =============================================================================
// Table-Driven Tests: Options.Validate
// =============================================================================

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Options)
		wantField string
	}{
		{"valid", func(*Options) {}, ""},
		{"empty input", func(o *Options) { o.Input = "" }, "Input"},
		{"negative fps", func(o *Options) { o.FrameRate = -1 }, "FrameRate"},
		{"zero fps ok", func(o *Options) { o.FrameRate = 0 }, ""},
		{"negative min delay", func(o *Options) { o.Backoff.MinDelay = -time.Second }, "Backoff.MinDelay"},
		{"max below min", func(o *Options) { o.Backoff.MaxDelay = 10 * time.Millisecond }, "Backoff.MaxDelay"},
		{"jitter above 1", func(o *Options) { o.Backoff.JitterFactor = 1.5 }, "Backoff.JitterFactor"},
		{"negative start timeout", func(o *Options) { o.StartTimeout = -1 }, "StartTimeout"},
		{"negative watchdog", func(o *Options) { o.WatchdogTimeout = -1 }, "WatchdogTimeout"},
		{"negative idle", func(o *Options) { o.StreamIdleTimeout = -1 }, "StreamIdleTimeout"},
		{"negative kill", func(o *Options) { o.ForceKillTimeout = -1 }, "ForceKillTimeout"},
		{"zero timeouts ok", func(o *Options) {
			o.StartTimeout, o.WatchdogTimeout, o.StreamIdleTimeout, o.ForceKillTimeout = 0, 0, 0, 0
		}, ""},
		{"negative buffer", func(o *Options) { o.MaxBufferBytes = -1 }, "MaxBufferBytes"},
		{"negative threshold", func(o *Options) { o.CircuitBreakerThreshold = -1 }, "CircuitBreakerThreshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOptions()
			tt.mutate(&o)
			err := o.Validate()

			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error on %s", tt.wantField)
			}

			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %v is not a ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestOptions_ValidateJoinsErrors(t *testing.T) {
	o := validOptions()
	o.Input = ""
	o.FrameRate = -2
	o.MaxBufferBytes = -1

	err := o.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		t.Fatalf("error %T does not wrap multiple errors", err)
	}
	if n := len(joined.Unwrap()); n != 3 {
		t.Errorf("wrapped %d errors, want 3", n)
	}
}

// =============================================================================
// Tests: OptionsPatch
// =============================================================================

func TestOptions_MergeAndDiff(t *testing.T) {
	o := validOptions()

	if !o.Diff(o).Empty() {
		t.Error("Diff of identical options is not empty")
	}

	n := o
	n.Input = "rtsp://other/stream"
	n.WatchdogTimeout = 3 * time.Second
	n.ExtraArgs = []string{"-vf", "scale=320:-1"}
	n.TransportFallback = []string{"udp"}
	n.Backoff.MaxDelay = time.Minute

	p := o.Diff(n)
	if p.Empty() {
		t.Fatal("Diff() is empty")
	}
	if p.StartTimeout != nil || p.FrameRate != nil {
		t.Error("Diff() contains unchanged fields")
	}

	merged := o.Merge(p)
	if merged.Input != n.Input ||
		merged.WatchdogTimeout != n.WatchdogTimeout ||
		merged.Backoff != n.Backoff ||
		len(merged.ExtraArgs) != 2 ||
		len(merged.TransportFallback) != 1 {
		t.Errorf("Merge(Diff()) = %+v, want %+v", merged, n)
	}
	if !merged.Diff(n).Empty() {
		t.Errorf("Merge(Diff()) differs: %+v", merged.Diff(n))
	}
}

func TestOptions_MergeCopiesSlices(t *testing.T) {
	args := []string{"-a"}
	o := validOptions().Merge(OptionsPatch{ExtraArgs: &args})
	args[0] = "-b"
	if o.ExtraArgs[0] != "-a" {
		t.Error("Merge aliases the patch slice")
	}
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	if o.Transport != "tcp" {
		t.Errorf("Transport = %q, want tcp", o.Transport)
	}
	if o.CircuitBreakerThreshold != DefaultBreakerThreshold {
		t.Errorf("CircuitBreakerThreshold = %d", o.CircuitBreakerThreshold)
	}
	if o.ForceKillTimeout <= 0 {
		t.Errorf("ForceKillTimeout = %v", o.ForceKillTimeout)
	}
	// Default input is empty and must be filled in.
	if o.Validate() == nil {
		t.Error("DefaultOptions() validated without an input")
	}
}
