package httpx

import (
	"net/http"
	"time"
)

// HeaderAsTime parses name out of h as an HTTP-date, returning ok=false
// (not an error) when the header is simply absent.
func HeaderAsTime(h http.Header, name string) (t time.Time, ok bool, err error) {
	v := h.Get(name)
	if v == "" {
		return time.Time{}, false, nil
	}

	t, err = ParseHTTPDate(v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// HeaderAsProjectedTime parses name as an HTTP-date and projects it onto
// now's clock: if the header's value is d ahead of (or behind) reftm,
// the result is now offset by that same d. This is how a server's
// Date/Last-Modified/Expires headers, which live in the origin's wall
// clock, get translated into a deadline comparable with this process's
// own monotonic clock.
func HeaderAsProjectedTime(h http.Header, name string, now, reftm time.Time) (time.Time, bool, error) {
	hdrTime, ok, err := HeaderAsTime(h, name)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}

	return now.Add(hdrTime.Sub(reftm)), true, nil
}
