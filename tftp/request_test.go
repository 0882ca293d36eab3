package tftp

import (
	"errors"
	"testing"
)

func TestTryRangedFrom(t *testing.T) {
	cases := []struct {
		in      string
		rng     unsignedRange
		want    uint64
		wantErr error
	}{
		{"000", unsignedRange{0, 10}, 0, nil},
		{"001", unsignedRange{0, 10}, 1, nil},
		{"10", unsignedRange{0, 10}, 10, nil},
		{"010", unsignedRange{0, 10}, 10, nil},
		{"011", unsignedRange{0, 10}, 0, ErrNumberOutOfRange},
		{"0", unsignedRange{1, 10}, 0, ErrNumberOutOfRange},
		{"200", unsignedRange{1, 1000}, 200, nil},
		{"18446744073709551615", unsignedRange{1, 18446744073709551615}, 18446744073709551615, nil},
		{"184467440737095516150", unsignedRange{1, 18446744073709551615}, 0, ErrNumberOutOfRange},
	}

	for _, c := range cases {
		got, err := tryRangedFrom([]byte(c.in), c.rng)
		if c.wantErr != nil {
			if !errors.Is(err, c.wantErr) {
				t.Errorf("tryRangedFrom(%q) error = %v, want %v", c.in, err, c.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("tryRangedFrom(%q) unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("tryRangedFrom(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseRequestBasic(t *testing.T) {
	data := []byte("boot.img\000octet\000")
	req, err := ParseRequest(data, DirRead)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Filename() != "boot.img" {
		t.Errorf("Filename() = %q, want boot.img", req.Filename())
	}
	if req.Mode != ModeOctet {
		t.Errorf("Mode = %v, want octet", req.Mode)
	}
	if req.HasOptions() {
		t.Error("HasOptions() = true, want false")
	}
}

func TestParseRequestOptions(t *testing.T) {
	data := []byte("boot.img\000octet\000blksize\0001468\000timeout\0005\000tsize\0000\000windowsize\00016\000")
	req, err := ParseRequest(data, DirRead)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !req.HasOptions() {
		t.Fatal("HasOptions() = false, want true")
	}
	if req.BlockSize == nil || *req.BlockSize != 1468 {
		t.Errorf("BlockSize = %v, want 1468", req.BlockSize)
	}
	if req.WindowSize == nil || *req.WindowSize != 16 {
		t.Errorf("WindowSize = %v, want 16", req.WindowSize)
	}
	if req.Tsize == nil || *req.Tsize != 0 {
		t.Errorf("Tsize = %v, want 0", req.Tsize)
	}
}

func TestParseRequestMissingZero(t *testing.T) {
	_, err := ParseRequest([]byte("boot.img\000octet"), DirRead)
	if !errors.Is(err, ErrMissingZero) {
		t.Errorf("error = %v, want ErrMissingZero", err)
	}
}

func TestParseRequestEmpty(t *testing.T) {
	_, err := ParseRequest(nil, DirRead)
	if !errors.Is(err, ErrTooShort) {
		t.Errorf("error = %v, want ErrTooShort", err)
	}
}

func TestParseRequestMissingFilename(t *testing.T) {
	_, err := ParseRequest([]byte("\000octet\000"), DirRead)
	if !errors.Is(err, ErrMissingFilename) {
		t.Errorf("error = %v, want ErrMissingFilename", err)
	}
}

func TestParseRequestMissingMode(t *testing.T) {
	_, err := ParseRequest([]byte("boot.img\000"), DirRead)
	if !errors.Is(err, ErrMissingMode) {
		t.Errorf("error = %v, want ErrMissingMode", err)
	}
}

func TestParseRequestTsizeWriteRange(t *testing.T) {
	data := []byte("boot.img\000octet\000tsize\0001000\000")
	req, err := ParseRequest(data, DirWrite)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Tsize == nil || *req.Tsize != 1000 {
		t.Errorf("Tsize = %v, want 1000", req.Tsize)
	}

	// Read direction only accepts tsize=0 as a probe.
	_, err = ParseRequest([]byte("boot.img\000octet\000tsize\0001000\000"), DirRead)
	if !errors.Is(err, ErrNumberOutOfRange) {
		t.Errorf("error = %v, want ErrNumberOutOfRange", err)
	}
}
