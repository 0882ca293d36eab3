package cache

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// registry is the process-wide collection of cache entries, keyed by the
// normalized origin URL string. A single RWMutex with short critical
// sections guards the map itself; all network I/O for a given entry
// happens after the registry lock is released, serialized instead by
// that entry's own mutex.
type registry struct {
	mu      sync.RWMutex
	tmpdir  string
	client  *http.Client
	entries map[string]*Entry
}

func newRegistry(tmpdir string, client *http.Client) *registry {
	return &registry{
		tmpdir:  tmpdir,
		client:  client,
		entries: make(map[string]*Entry),
	}
}

// LookupOrCreate returns the entry for key, creating an empty one if
// none exists yet. The returned bool reports whether the entry was
// freshly created.
func (r *registry) LookupOrCreate(key string) (*Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e, false
	}
	e = newEntry(key)
	r.entries[key] = e
	return e, true
}

// Create unconditionally installs a fresh, empty entry for key,
// replacing whatever was there — used by the "+nocache" fetch path so
// that it never reuses an existing entry.
func (r *registry) Create(key string) *Entry {
	e := newEntry(key)
	r.mu.Lock()
	r.entries[key] = e
	r.mu.Unlock()
	return e
}

// Replace swaps in a pre-built entry under key, as used when a
// revalidation decides the cached copy must restart from scratch.
func (r *registry) Replace(key string, e *Entry) {
	r.mu.Lock()
	r.entries[key] = e
	r.mu.Unlock()
}

// Remove deletes the entry for key, if any.
func (r *registry) Remove(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Dump returns a snapshot of every entry currently registered, in no
// particular order — used for diagnostics.
func (r *registry) Dump() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Clear drops every entry, e.g. on SIGUSR2-triggered cache reset.
func (r *registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()
}

// GCOldest evicts the num entries with the oldest reftm, skipping any
// still actively downloading.
func (r *registry) GCOldest(num int) int {
	if num <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	type cand struct {
		key   string
		reftm time.Time
	}
	cands := make([]cand, 0, len(r.entries))
	for k, e := range r.entries {
		if e.IsRunning() {
			continue
		}
		e.mu.Lock()
		tm := e.reftm
		e.mu.Unlock()
		cands = append(cands, cand{k, tm})
	}

	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			if cands[j].reftm.Before(cands[i].reftm) {
				cands[i], cands[j] = cands[j], cands[i]
			}
		}
	}

	if num > len(cands) {
		num = len(cands)
	}
	for i := 0; i < num; i++ {
		delete(r.entries, cands[i].key)
	}
	return num
}

// GCOutdated evicts every entry whose cache metadata is outdated as of
// reftm, again skipping anything actively downloading. It returns the
// number of entries removed.
func (r *registry) GCOutdated(reftm time.Time, maxLifetime time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, e := range r.entries {
		if e.IsRunning() {
			continue
		}
		if e.IsOutdated(reftm, maxLifetime) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}

var (
	singletonMu sync.RWMutex
	singleton   *registry
)

// GcProperties configures the background sweep started by Instantiate.
type GcProperties struct {
	MaxElements int
	MaxLifetime time.Duration
	Sleep       time.Duration
}

// Instantiate sets up the process-wide cache singleton, rooted at
// tmpdir for its backing files and using client to reach origins. It
// does not itself start the GC sweep; call RunGC separately so tests
// can exercise the cache without a background goroutine running.
func Instantiate(tmpdir string, client *http.Client) error {
	if err := os.MkdirAll(tmpdir, 0o700); err != nil {
		return err
	}

	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = newRegistry(tmpdir, client)
	return nil
}

// Close releases the singleton; further calls without a new Instantiate
// panic, matching the original's "use after close" contract.
func Close() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = nil
}

func current() *registry {
	singletonMu.RLock()
	defer singletonMu.RUnlock()
	if singleton == nil {
		panic("cache: use before Instantiate")
	}
	return singleton
}

// GetClient returns the shared HTTP client used by all fetches.
func GetClient() *http.Client {
	return current().client
}

// Tmpdir returns the directory used for entries' backing files.
func Tmpdir() string {
	return current().tmpdir
}

// LookupOrCreate is the singleton-scoped form of (*registry).LookupOrCreate.
func LookupOrCreate(key string) (*Entry, bool) {
	return current().LookupOrCreate(key)
}

// Create is the singleton-scoped form of (*registry).Create.
func Create(key string) *Entry {
	return current().Create(key)
}

// Replace is the singleton-scoped form of (*registry).Replace.
func Replace(key string, e *Entry) {
	current().Replace(key, e)
}

// Remove is the singleton-scoped form of (*registry).Remove.
func Remove(key string) {
	current().Remove(key)
}

// Dump is the singleton-scoped form of (*registry).Dump.
func Dump() []*Entry {
	return current().Dump()
}

// DumpTo writes one line per registered entry to w, in the style of the
// original source's PrettyDump trait (spec.md §6 SIGUSR1 handling):
// each entry's key, reftm and state name as rendered by Entry.String.
func DumpTo(w io.Writer) {
	for _, e := range Dump() {
		fmt.Fprintln(w, e.String())
	}
}

// Clear is the singleton-scoped form of (*registry).Clear.
func Clear() {
	current().Clear()
}

// NewFile opens a fresh anonymous temp file rooted at the singleton's
// tmpdir, for callers that need cache-adjacent scratch storage.
func NewFile() (*os.File, error) {
	return newTempFile(current().tmpdir)
}
