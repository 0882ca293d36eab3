package tftp

import (
	"strings"
	"testing"
	"time"
)

func TestStatsHasErrors(t *testing.T) {
	s := &Stats{FileSize: 100, Xmitsz: 100}
	if s.HasErrors() {
		t.Error("HasErrors() = true for a clean transfer")
	}

	s.Retries = 1
	if !s.HasErrors() {
		t.Error("HasErrors() = false with a nonzero retry count")
	}
}

func TestStatsStringOmitsErrorsWhenClean(t *testing.T) {
	s := &Stats{
		Filename:   "boot.img",
		LocalIP:    "10.0.0.1:69",
		RemoteIP:   "10.0.0.2:1024",
		WindowSize: 4,
		BlockSize:  1468,
		FileSize:   1234567,
		Xmitsz:     1234567,
	}

	out := s.String()
	if strings.Contains(out, "sent=") {
		t.Errorf("String() = %q, should not mention sent= for a clean transfer", out)
	}
	if !strings.Contains(out, "1,234,567 bytes") {
		t.Errorf("String() = %q, want thousands separators", out)
	}
}

func TestStatsStringShowsErrors(t *testing.T) {
	s := &Stats{
		Filename:    "boot.img",
		FileSize:    100,
		Xmitsz:      90,
		Retries:     2,
		WastedSz:    512,
		NumTimeouts: 1,
	}

	out := s.String()
	if !strings.Contains(out, "sent=90 (2 retries, 512 bytes wasted, 1 timeouts)") {
		t.Errorf("String() = %q, missing error detail", out)
	}
}

func TestStatsSpeedBitsPerSec(t *testing.T) {
	s := &Stats{FileSize: 1000, Xmitsz: 1000}

	if _, _, ok := s.SpeedBitsPerSec(0); ok {
		t.Error("SpeedBitsPerSec(0) ok = true, want false")
	}

	nominal, actual, ok := s.SpeedBitsPerSec(time.Second)
	if !ok || nominal != 8000 || actual != 8000 {
		t.Errorf("SpeedBitsPerSec(1s) = %v, %v, %v", nominal, actual, ok)
	}
}
