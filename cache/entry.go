// Package cache implements the shared HTTP response cache that backs
// URI-addressed fetches: each distinct origin URL gets one Entry, whose
// state machine drives the transition from "nothing fetched yet" through
// a streaming download to a file-backed, revalidatable Complete state.
package cache

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/m-lab/tftpd/httpx"
	"github.com/m-lab/tftpd/tftp"
)

// stateKind is the entry's current position in the state machine spec.md
// §4.7 describes: None -> Init -> HaveMeta -> Downloading -> Complete,
// with Complete/Refresh cycling back through Init-like revalidation.
type stateKind int

const (
	stateNone stateKind = iota
	stateError
	stateInit
	stateHaveMeta
	stateDownloading
	stateComplete
	stateRefresh
)

func (k stateKind) String() string {
	switch k {
	case stateNone:
		return "none"
	case stateError:
		return "error"
	case stateInit:
		return "init"
	case stateHaveMeta:
		return "have-meta"
	case stateDownloading:
		return "downloading"
	case stateComplete:
		return "complete"
	case stateRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// entryState bundles every field any state might need; which fields are
// valid is determined entirely by kind, mirroring the Rust source's enum
// variants collapsed into one struct (Go has no payload-carrying enum).
type entryState struct {
	kind      stateKind
	errHint   string
	resp      *http.Response
	cacheInfo *httpx.CacheInfo
	fileSize  *uint64
	file      *os.File
	filePos   uint64
}

// take resets e to the error state tagged with hint and returns the
// previous state, mirroring State::take's panic-localization idiom: if a
// caller forgets to restore a real state afterward, the entry is left
// visibly broken with a hint pointing at the call site that forgot.
func (e *entryState) take(hint string) entryState {
	prev := *e
	*e = entryState{kind: stateError, errHint: hint}
	return prev
}

// Entry is one cached URL's state. A single mutex serializes every access
// to it, so only one fetch runs against the origin at a time; sessions
// reading already-downloaded bytes also take that mutex one after another,
// and wait while another caller holds it for a read from the origin.
type Entry struct {
	mu    sync.Mutex
	key   string
	state entryState
	reftm time.Time
	stats time.Duration
}

func newEntry(key string) *Entry {
	return &Entry{key: key, reftm: time.Now()}
}

func (e *Entry) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("%s: reftm=%s, state=%s", e.key, e.reftm, e.state.kind)
}

// IsComplete reports whether the entry has a fully downloaded, readable
// file backing it.
func (e *Entry) IsComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.kind == stateComplete
}

// IsError reports whether the entry's last operation failed.
func (e *Entry) IsError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.kind == stateError
}

// IsRunning reports whether a fetch against the origin is in flight.
func (e *Entry) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.kind == stateHaveMeta || e.state.kind == stateDownloading
}

func (e *Entry) updateLocalTimeLocked() {
	e.reftm = time.Now()
}

// SetResponse records a fresh HTTP response against the entry, either
// starting a new download (from None/Error) or beginning a revalidation
// cycle (from Complete/Refresh).
func (e *Entry) SetResponse(resp *http.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state.take("SetResponse")
	e.updateLocalTimeLocked()

	switch prev.kind {
	case stateNone, stateError:
		e.state = entryState{kind: stateInit, resp: resp}
	case stateComplete, stateRefresh:
		e.state = entryState{
			kind:      stateRefresh,
			resp:      resp,
			cacheInfo: prev.cacheInfo,
			file:      prev.file,
			fileSize:  prev.fileSize,
		}
	default:
		panic("cache: SetResponse called in unexpected state " + prev.kind.String())
	}
}

// GetCacheInfo returns the entry's current freshness metadata, or nil if
// none has been derived yet.
func (e *Entry) GetCacheInfo() *httpx.CacheInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.cacheInfo
}

// IsOutdated reports whether the entry's cache metadata says it must be
// revalidated before reftm, or has no metadata at all.
func (e *Entry) IsOutdated(reftm time.Time, maxLifetime time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.cacheInfo == nil {
		return true
	}
	return e.state.cacheInfo.IsOutdated(reftm, maxLifetime)
}

// newTempFile opens an anonymous, already-unlinked backing file for a
// download, matching the original's tempfile_in idiom: the directory
// entry is removed immediately so the file disappears automatically when
// every descriptor referencing it closes.
func newTempFile(dir string) (*os.File, error) {
	f, err := os.CreateTemp(dir, "tftpd-cache-")
	if err != nil {
		return nil, err
	}
	os.Remove(f.Name())
	return f, nil
}

// FillMeta derives CacheInfo and content-length from a just-received
// response's headers. It is a no-op once the entry has already passed
// this stage on the current response.
func (e *Entry) FillMeta(tmpdir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.kind != stateInit && e.state.kind != stateRefresh {
		return nil
	}

	prev := e.state.take("FillMeta")

	switch prev.kind {
	case stateInit:
		info, err := httpx.NewCacheInfo(e.reftm, prev.resp.Header)
		if err != nil {
			return err
		}

		var size *uint64
		if prev.resp.ContentLength >= 0 {
			v := uint64(prev.resp.ContentLength)
			size = &v
		}

		e.state = entryState{kind: stateHaveMeta, resp: prev.resp, cacheInfo: info, fileSize: size}
		return nil

	case stateRefresh:
		info, err := prev.cacheInfo.Update(e.reftm, prev.resp.Header)
		if err != nil {
			return err
		}
		prev.resp.Body.Close()

		e.state = entryState{kind: stateComplete, cacheInfo: info, file: prev.file, fileSize: prev.fileSize}
		return nil

	default:
		panic("cache: FillMeta in unreachable state")
	}
}

// GetFileSize returns the entry's total size, downloading the remainder
// of the response in one pass if the origin never sent a Content-Length.
func (e *Entry) GetFileSize(tmpdir string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.fileSize != nil {
		return *e.state.fileSize, nil
	}

	prev := e.state.take("GetFileSize")

	var resp *http.Response
	var file *os.File
	var pos uint64
	var cacheInfo *httpx.CacheInfo

	switch prev.kind {
	case stateHaveMeta:
		f, err := newTempFile(tmpdir)
		if err != nil {
			return 0, err
		}
		resp, file, cacheInfo = prev.resp, f, prev.cacheInfo
	case stateDownloading:
		resp, file, pos, cacheInfo = prev.resp, prev.file, prev.filePos, prev.cacheInfo
	default:
		panic("cache: GetFileSize in unexpected state " + prev.kind.String())
	}

	n, err := io.Copy(file, resp.Body)
	if err != nil {
		return 0, err
	}
	pos += uint64(n)
	resp.Body.Close()

	e.state = entryState{kind: stateComplete, file: file, fileSize: &pos, cacheInfo: cacheInfo}
	return pos, nil
}

// FillRequest attaches conditional-GET headers derived from the entry's
// current cache metadata onto an outgoing revalidation request.
func (e *Entry) FillRequest(req *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.cacheInfo != nil {
		e.state.cacheInfo.FillRequest(time.Now(), req)
	}
}

// Matches reports whether this entry's cached representation is still
// valid for the given ETag: unexpired, and matching (or both absent).
func (e *Entry) Matches(etag string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := e.state.cacheInfo
	if info == nil {
		return etag == ""
	}
	if !info.NotAfter.IsZero() && info.NotAfter.Before(time.Now()) {
		return false
	}
	return info.ETag == etag
}

// Invalidate drops a Complete/Refresh entry back to None so the next
// access starts a fresh fetch.
func (e *Entry) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.kind == stateComplete || e.state.kind == stateRefresh {
		e.state = entryState{}
	}
}

// readFile reads up to len(buf) bytes at ofs from file, capped so it
// never reads past max.
func readFile(file *os.File, ofs uint64, buf []byte, max uint64) (int, error) {
	n := uint64(len(buf))
	if n > max-ofs {
		n = max - ofs
	}
	read, err := file.ReadAt(buf[:n], int64(ofs))
	if err != nil && err != io.EOF {
		return 0, err
	}
	return read, nil
}

// ReadSome reads up to len(buf) bytes starting at ofs, transparently
// driving the entry through FillMeta and the streaming download as
// needed. ofs must be monotonically non-decreasing across calls from a
// single reader — exactly how an RRQ session reads a Fetcher.
func (e *Entry) ReadSome(tmpdir string, ofs uint64, buf []byte) (int, error) {
	if err := e.FillMeta(tmpdir); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.kind {
	case stateDownloading:
		if ofs < e.state.filePos {
			return readFile(e.state.file, ofs, buf, e.state.filePos)
		}
	case stateComplete:
		switch {
		case ofs < *e.state.fileSize:
			return readFile(e.state.file, ofs, buf, *e.state.fileSize)
		case ofs == *e.state.fileSize:
			return 0, nil
		default:
			return 0, tftp.ErrInternal
		}
	}

	prev := e.state.take("ReadSome")

	switch prev.kind {
	case stateHaveMeta:
		f, err := newTempFile(tmpdir)
		if err != nil {
			return 0, err
		}

		n, err := prev.resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return 0, werr
			}
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		if n == 0 {
			prev.resp.Body.Close()
			e.state = entryState{kind: stateComplete, file: f, fileSize: ptr(uint64(0)), cacheInfo: prev.cacheInfo}
		} else {
			e.state = entryState{
				kind:      stateDownloading,
				resp:      prev.resp,
				cacheInfo: prev.cacheInfo,
				fileSize:  prev.fileSize,
				file:      f,
				filePos:   uint64(n),
			}
		}
		return n, nil

	case stateDownloading:
		n, err := prev.resp.Body.Read(buf)
		if n > 0 {
			if _, werr := prev.file.Write(buf[:n]); werr != nil {
				return 0, werr
			}
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		if n == 0 {
			prev.resp.Body.Close()
			sz := prev.filePos
			e.state = entryState{kind: stateComplete, file: prev.file, fileSize: &sz, cacheInfo: prev.cacheInfo}
		} else {
			e.state = entryState{
				kind:      stateDownloading,
				resp:      prev.resp,
				cacheInfo: prev.cacheInfo,
				fileSize:  prev.fileSize,
				file:      prev.file,
				filePos:   prev.filePos + uint64(n),
			}
		}
		return n, nil

	default:
		panic("cache: ReadSome in unexpected state " + prev.kind.String())
	}
}

func ptr(v uint64) *uint64 { return &v }
