package types

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLEDKind(t *testing.T) {
	cases := []struct {
		in      string
		want    LEDKind
		wantErr bool
	}{
		{in: "ir", want: LEDInfrared},
		{in: "infrared", want: LEDInfrared},
		{in: "white", want: LEDWhite},
		{in: "uv", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseLEDKind(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLEDKind(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLEDKind(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLEDKind(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPhaseLED(t *testing.T) {
	if got := PhaseLight.LED(); got != LEDWhite {
		t.Errorf("light LED = %v, want white", got)
	}
	if got := PhaseDark.LED(); got != LEDInfrared {
		t.Errorf("dark LED = %v, want ir", got)
	}
}

func TestPhaseConfigValidate(t *testing.T) {
	if err := (PhaseConfig{}).Validate(); err != nil {
		t.Errorf("disabled config: %v", err)
	}
	err := PhaseConfig{Enabled: true}.Validate()
	if !errors.Is(err, ErrZeroCycle) {
		t.Errorf("zero cycle err = %v, want ErrZeroCycle", err)
	}
	if err := (PhaseConfig{Enabled: true, Light: -time.Hour, Dark: 2 * time.Hour}).Validate(); err == nil {
		t.Error("negative light duration accepted")
	}
}

func TestNewSessionValidation(t *testing.T) {
	valid := func() (string, time.Duration, time.Duration) {
		return "exp", time.Hour, time.Minute
	}

	name, dur, iv := valid()
	session, err := NewSession(name, dur, iv, PhaseConfig{}, LEDInfrared, "/data")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if session.ID == "" {
		t.Error("session ID empty")
	}
	if session.TotalFrames != 60 {
		t.Errorf("totalFrames = %d, want 60", session.TotalFrames)
	}

	if _, err := NewSession("", dur, iv, PhaseConfig{}, LEDInfrared, "/data"); err == nil {
		t.Error("empty experiment accepted")
	}
	if _, err := NewSession(name, 0, iv, PhaseConfig{}, LEDInfrared, "/data"); err == nil {
		t.Error("zero duration accepted")
	}
	if _, err := NewSession(name, time.Minute, time.Hour, PhaseConfig{}, LEDInfrared, "/data"); err == nil {
		t.Error("interval beyond duration accepted")
	}
	if _, err := NewSession(name, dur, iv, PhaseConfig{}, LEDKind(9), "/data"); err == nil {
		t.Error("invalid continuous LED accepted")
	}
}

func TestSessionExpectedFrameTime(t *testing.T) {
	session, err := NewSession("exp", time.Hour, 30*time.Second, PhaseConfig{}, LEDInfrared, "/data")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	want := session.Start.Add(5 * 30 * time.Second)
	if got := session.ExpectedFrameTime(5); !got.Equal(want) {
		t.Errorf("ExpectedFrameTime(5) = %v, want %v", got, want)
	}
}

func TestSessionFilePath(t *testing.T) {
	session, err := NewSession("worms", time.Hour, time.Minute, PhaseConfig{}, LEDInfrared, "/data/runs")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	path := session.FilePath()
	if filepath.Dir(path) != "/data/runs" {
		t.Errorf("dir = %q, want /data/runs", filepath.Dir(path))
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "worms_") || !strings.HasSuffix(base, ".nlr") {
		t.Errorf("file name = %q, want worms_<timestamp>.nlr", base)
	}
}

func TestImageStats(t *testing.T) {
	img := &Image{Width: 2, Height: 2, Pixels: []byte{0, 10, 20, 30}}
	stats := img.Stats()
	if stats.Mean != 15 {
		t.Errorf("mean = %v, want 15", stats.Mean)
	}
	if stats.Min != 0 || stats.Max != 30 {
		t.Errorf("min/max = %v/%v, want 0/30", stats.Min, stats.Max)
	}
	if stats.Std < 11.17 || stats.Std > 11.19 {
		t.Errorf("std = %v, want ~11.18", stats.Std)
	}

	var nilImg *Image
	if got := nilImg.Stats(); got != (FrameStats{}) {
		t.Errorf("nil image stats = %+v, want zero", got)
	}
}

func TestCalibrationProfile(t *testing.T) {
	p := CalibrationProfile{IRPower: 90, WhitePower: 60}
	if got := p.PowerFor(LEDInfrared); got != 90 {
		t.Errorf("PowerFor(ir) = %d, want 90", got)
	}
	if got := p.PowerFor(LEDWhite); got != 60 {
		t.Errorf("PowerFor(white) = %d, want 60", got)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := (CalibrationProfile{IRPower: 120}).Validate(); err == nil {
		t.Error("out-of-range power accepted")
	}
}
