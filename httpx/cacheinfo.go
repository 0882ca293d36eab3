package httpx

import (
	"net/http"
	"strconv"
	"time"
)

// CacheInfo captures everything a cache entry needs to decide when it
// goes stale and how to build a conditional revalidation request for it.
type CacheInfo struct {
	// NotAfter is the deadline this cache entry is considered fresh
	// until, projected onto the local monotonic clock. Zero means no
	// expiry information was present in the response.
	NotAfter time.Time

	// Modified is the origin's Last-Modified header value, if any.
	Modified time.Time

	// ETag is the origin's ETag header value, if any.
	ETag string

	// LocalTime is when this metadata was captured.
	LocalTime time.Time
}

// NewCacheInfo derives cache metadata from an origin response's headers,
// captured at localNow.
func NewCacheInfo(localNow time.Time, hdrs http.Header) (*CacheInfo, error) {
	directives, err := ParseCacheControl(hdrs.Values("Cache-Control"))
	if err != nil {
		return nil, err
	}

	var maxAge, sMaxAge *time.Duration
	for _, d := range directives {
		switch d.Kind {
		case MaxAge:
			v := d.Age
			maxAge = &v
		case SMaxAge:
			v := d.Age
			sMaxAge = &v
		case NoCache:
			v := time.Duration(0)
			sMaxAge = &v
		}
	}

	remoteTime := localNow
	if t, ok, err := HeaderAsTime(hdrs, "Date"); err == nil && ok {
		remoteTime = t
	}

	var notAfter time.Time
	switch {
	case sMaxAge != nil:
		notAfter = localNow.Add(*sMaxAge)
	case maxAge != nil:
		notAfter = localNow.Add(*maxAge)
	default:
		if t, ok, err := HeaderAsProjectedTime(hdrs, "Expires", localNow, remoteTime); err == nil && ok {
			notAfter = t
		}
	}

	modified, _, _ := HeaderAsTime(hdrs, "Last-Modified")

	return &CacheInfo{
		NotAfter:  notAfter,
		Modified:  modified,
		ETag:      hdrs.Get("ETag"),
		LocalTime: localNow,
	}, nil
}

// FillRequest attaches conditional-GET headers (If-Modified-Since,
// If-None-Match) plus an outgoing max-age hint derived from NotAfter, so
// a shared downstream cache sees the same freshness window this process
// intends to honor.
func (c *CacheInfo) FillRequest(now time.Time, req *http.Request) {
	if !c.Modified.IsZero() {
		req.Header.Set("If-Modified-Since", FormatHTTPDate(c.Modified))
	}
	if c.ETag != "" {
		req.Header.Set("If-None-Match", c.ETag)
	}
	if !c.NotAfter.IsZero() {
		var delta int64
		if c.NotAfter.After(now) {
			delta = int64(c.NotAfter.Sub(now).Seconds())
		}
		req.Header.Set("Cache-Control", "max-age="+strconv.FormatInt(delta, 10))
	}
}

// Update re-derives cache metadata from a revalidation response,
// preferring the new response's fields but falling back to the
// existing ones for anything the new response left unset (e.g. a 304
// response that omits ETag).
func (c *CacheInfo) Update(localNow time.Time, hdrs http.Header) (*CacheInfo, error) {
	next, err := NewCacheInfo(localNow, hdrs)
	if err != nil {
		return nil, err
	}

	if next.NotAfter.IsZero() {
		next.NotAfter = c.NotAfter
	}
	if next.Modified.IsZero() {
		next.Modified = c.Modified
	}
	if next.ETag == "" {
		next.ETag = c.ETag
	}

	return next, nil
}

// GetExpirationTime returns the earlier of NotAfter and LocalTime+maxLifetime
// — an entry is never considered fresh past the server's own cap on how
// long anything may be cached, regardless of what the origin claimed.
func (c *CacheInfo) GetExpirationTime(maxLifetime time.Duration) time.Time {
	cap := c.LocalTime.Add(maxLifetime)
	if c.NotAfter.IsZero() {
		return cap
	}
	if c.NotAfter.Before(cap) {
		return c.NotAfter
	}
	return cap
}

// IsOutdated reports whether the entry's expiration time has passed as
// of reftm.
func (c *CacheInfo) IsOutdated(reftm time.Time, maxLifetime time.Duration) bool {
	exp := c.GetExpirationTime(maxLifetime)
	return !exp.After(reftm)
}
