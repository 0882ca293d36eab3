package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/m-lab/tftpd/cache"
	"github.com/m-lab/tftpd/tftp"
)

// splitScheme splits a URI's scheme on "+", separating the transport
// scheme (http/https) from any "xtra" parameters a symlink target or
// fallback prefix may have appended — e.g. "http+nocache://host/path"
// requests an uncached fetch of http://host/path. Unrecognized xtra
// parameters are logged and otherwise ignored, matching the original's
// forward-compatible handling of URI scheme extensions.
func splitScheme(raw string) (cleanURI string, nocache, nocompress bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, false, tftp.ErrURIParse
	}

	parts := strings.Split(u.Scheme, "+")
	base := parts[0]
	for _, xtra := range parts[1:] {
		switch xtra {
		case "nocache":
			nocache = true
		case "nocompress":
			nocompress = true
		default:
			log.WithField("xtra", xtra).Warn("fetcher: ignoring unrecognized URI scheme parameter")
		}
	}

	u.Scheme = base
	return u.String(), nocache, nocompress, nil
}

// URI fetches content from an HTTP(S) origin, reading through the
// process-wide cache so that concurrent TFTP reads of the same URL
// share one origin download.
type URI struct {
	uri        string
	nocompress bool
	entry      *cache.Entry
	pos        uint64
	eof        bool
}

// NewURIFetcher builds a Fetcher for raw, a possibly scheme-decorated
// URI (e.g. "http+nocache://...").
func NewURIFetcher(raw string) (*URI, error) {
	clean, nocache, nocompress, err := splitScheme(raw)
	if err != nil {
		return nil, err
	}

	var entry *cache.Entry
	if nocache {
		entry = cache.Create(clean)
	} else {
		entry, _ = cache.LookupOrCreate(clean)
	}

	return &URI{uri: clean, nocompress: nocompress, entry: entry}, nil
}

// Open issues the origin request unless a fetch is already in flight,
// matching open_cached: a Complete entry still gets the conditional GET
// so the origin can answer 304 (cached copy still fresh) or 200 (content
// changed). Once the request settles, an entry left in the error state
// is evicted so the next lookup starts clean, and the (possibly fresh)
// entry is reinstalled in the registry, matching open's is_error/remove
// + replace bookkeeping.
func (u *URI) Open() error {
	if u.entry.IsRunning() {
		return nil
	}

	err := u.openCached()

	if u.entry.IsError() {
		cache.Remove(u.uri)
	}
	cache.Replace(u.uri, u.entry)

	return err
}

func (u *URI) openCached() error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, u.uri, nil)
	if err != nil {
		return err
	}
	if u.nocompress {
		req.Header.Set("Accept-Encoding", "identity")
	}
	u.entry.FillRequest(req)

	resp, err := cache.GetClient().Do(req)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusNotModified:
		u.entry.SetResponse(resp)
		return u.entry.FillMeta(cache.Tmpdir())
	case http.StatusOK:
		u.entry.Invalidate()
		u.entry.SetResponse(resp)
		return u.entry.FillMeta(cache.Tmpdir())
	case http.StatusNotFound:
		resp.Body.Close()
		return &tftp.FileMissingError{Path: u.uri}
	default:
		resp.Body.Close()
		return &tftp.HTTPStatusError{StatusCode: resp.StatusCode}
	}
}

// Size reports the content length once the entry has cache metadata. When
// the origin sent no Content-Length, it first downloads the rest of the
// response to learn the size.
func (u *URI) Size() (uint64, bool) {
	info := u.entry.GetCacheInfo()
	if info == nil {
		return 0, false
	}
	size, err := u.entry.GetFileSize(cache.Tmpdir())
	if err != nil {
		return 0, false
	}
	return size, true
}

// Read streams the next chunk of the cached download, starting at the
// fetcher's current read position.
func (u *URI) Read(buf []byte) (int, error) {
	n, err := u.entry.ReadSome(cache.Tmpdir(), u.pos, buf)
	if err != nil {
		return 0, err
	}
	u.pos += uint64(n)
	if n == 0 {
		u.eof = true
	}
	return n, nil
}

// ReadMmap is not supported for HTTP-backed content.
func (u *URI) ReadMmap(size int) ([]byte, error) {
	return nil, tftp.ErrNotImplemented
}

// IsEOF reports whether the last Read reached the end of the content.
func (u *URI) IsEOF() bool {
	return u.eof
}

// IsMmapped is always false for HTTP-backed content.
func (u *URI) IsMmapped() bool {
	return false
}

// Close does nothing. The backing download and file are owned by the
// cache, not this fetcher, so Close never tears either down — another
// session may still be reading the same entry.
func (u *URI) Close() error {
	return nil
}
