package tftp

import (
	"strconv"
	"time"
)

// Oack carries the subset of RFC 2347 options the server agreed to honor,
// built from the client's Request and then narrowed down by the session
// as it applies its own limits (max block size, max window size).
type Oack struct {
	BlockSize  *uint16
	Timeout    *time.Duration
	WindowSize *uint16
	Tsize      *uint64
}

// OackFromRequest copies the negotiable fields out of a parsed Request.
func OackFromRequest(req *Request) *Oack {
	return &Oack{
		BlockSize:  req.BlockSize,
		Timeout:    req.Timeout,
		WindowSize: req.WindowSize,
		Tsize:      req.Tsize,
	}
}

// UpdateBlockSize clamps the negotiated block size to maxVal and reports
// the resulting value to the session via update.
func (o *Oack) UpdateBlockSize(maxVal uint16, update func(uint16)) {
	if o.BlockSize == nil {
		return
	}
	v := *o.BlockSize
	if v > maxVal {
		v = maxVal
	}
	o.BlockSize = &v
	update(v)
}

// UpdateWindowSize clamps the negotiated window size to maxVal and reports
// the resulting value to the session via update.
func (o *Oack) UpdateWindowSize(maxVal uint16, update func(uint16)) {
	if o.WindowSize == nil {
		return
	}
	v := *o.WindowSize
	if v > maxVal {
		v = maxVal
	}
	o.WindowSize = &v
	update(v)
}

// UpdateTimeout reports the negotiated timeout to the session via update,
// without altering it — the server always honors the client's requested
// timeout verbatim.
func (o *Oack) UpdateTimeout(update func(time.Duration)) {
	if o.Timeout != nil {
		update(*o.Timeout)
	}
}

// UpdateTsize replaces a client's tsize=0 probe with the resolved file
// size. It panics if the client supplied a nonzero tsize for a read
// request, which ParseRequest should already have rejected.
func (o *Oack) UpdateTsize(newSize *uint64) {
	if o.Tsize == nil {
		return
	}
	if *o.Tsize != 0 {
		panic("UpdateTsize called with a nonzero client tsize")
	}
	o.Tsize = newSize
}

func appendOption(msg []byte, id string, value uint64) []byte {
	msg = append(msg, id...)
	msg = append(msg, 0)
	msg = append(msg, strconv.FormatUint(value, 10)...)
	msg = append(msg, 0)
	return msg
}

// FillBuf appends the OACK datagram (opcode 6 plus option=value\0 pairs)
// to msg and returns the extended slice.
func (o *Oack) FillBuf(msg []byte) []byte {
	msg = append(msg, 0, 6)

	if o.BlockSize != nil {
		msg = appendOption(msg, "blksize", uint64(*o.BlockSize))
	}
	if o.WindowSize != nil {
		msg = appendOption(msg, "windowsize", uint64(*o.WindowSize))
	}
	if o.Tsize != nil {
		msg = appendOption(msg, "tsize", *o.Tsize)
	}
	if o.Timeout != nil {
		msg = appendOption(msg, "timeout", uint64(o.Timeout.Seconds()))
	}

	return msg
}
