package tftp

import "testing"

func TestSequenceIDDelta(t *testing.T) {
	cases := []struct {
		a, b uint16
		want uint16
	}{
		{1, 0, 1},
		{0, 0, 0},
		{0, 1, 65535},
		{1, 65535, 2},
		{65535, 1, 65534},
	}

	for _, c := range cases {
		got := NewSequenceID(c.a).Delta(NewSequenceID(c.b))
		if got != c.want {
			t.Errorf("delta(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSequenceIDAdd(t *testing.T) {
	if got := NewSequenceID(0).Add(1); got != NewSequenceID(1) {
		t.Errorf("0+1 = %v, want 1", got)
	}
	if got := NewSequenceID(65535).Add(1); got != NewSequenceID(0) {
		t.Errorf("65535+1 = %v, want 0", got)
	}
	if got := NewSequenceID(65535).Add(65535); got != NewSequenceID(65534) {
		t.Errorf("65535+65535 = %v, want 65534", got)
	}
}

func TestSequenceIDBytes(t *testing.T) {
	b := NewSequenceID(0x01fe).Bytes()
	if b[1] != 0xfe || b[0] != 0x01 {
		t.Errorf("bytes(0x01fe) = %x, want [01 fe]", b)
	}

	b = NewSequenceID(0xfd03).Bytes()
	if b[0] != 0xfd || b[1] != 0x03 {
		t.Errorf("bytes(0xfd03) = %x, want [fd 03]", b)
	}
}

func TestSequenceIDLess(t *testing.T) {
	for n := uint16(1); n < 1<<15; n *= 7 {
		a := NewSequenceID(100)
		b := a.Add(n)
		if !a.Less(b) {
			t.Errorf("%v should be < %v (n=%d)", a, b, n)
		}
		if b.Less(a) {
			t.Errorf("%v should not be < %v (n=%d)", b, a, n)
		}
	}
}
