package httpx

import (
	"net/http"
	"time"

	"github.com/m-lab/tftpd/tftp"
)

// ParseHTTPDate parses an HTTP-date header value (RFC 7231 §7.1.1.1,
// covering the obsolete RFC 850 and asctime formats too). Go's
// time.Time already carries both a wall-clock and a monotonic reading
// once constructed from time.Now, and its arithmetic already prefers the
// monotonic reading when both operands have one — so unlike the
// original's separate Time/TimeDelta bridge type, no extra wrapper is
// needed here; time.Time and time.Duration already do this job.
func ParseHTTPDate(value string) (time.Time, error) {
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}, tftp.ErrBadHTTPTime
	}
	return t, nil
}

// FormatHTTPDate renders t in the preferred RFC 7231 IMF-fixdate form,
// the form net/http.TimeFormat encodes.
func FormatHTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
