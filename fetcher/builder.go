package fetcher

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/m-lab/tftpd/tftp"
)

var uriSchemeRegexp = regexp.MustCompile(`^[a-z]+(\+[a-z]+)?://`)

// Builder resolves a requested path into a concrete Fetcher, rooted at
// dir and optionally falling back to a remote URI prefix for paths that
// don't exist locally (spec.md §4.3/§6).
type Builder struct {
	Dir         string
	FallbackURI string

	// DisableProxy corresponds to the --disable-proxy CLI flag
	// (spec.md §6): when set, any path that would resolve through a
	// symlink-encoded URL or the fallback URI is treated as missing
	// instead of being fetched over HTTP(S).
	DisableProxy bool
}

// NewBuilder constructs a Builder rooted at dir, with an optional
// fallback URI prefix (empty string disables the fallback).
func NewBuilder(dir, fallbackURI string) *Builder {
	return &Builder{Dir: dir, FallbackURI: fallbackURI}
}

// normalizePath strips leading slashes and "." components and rejects
// anything that would escape the root (".." components, or any other
// non-normal component).
func normalizePath(p string) (string, error) {
	var parts []string

	for _, c := range strings.Split(filepath.ToSlash(p), "/") {
		switch c {
		case "", ".":
			continue
		case "..":
			return "", tftp.ErrInvalidPathName
		default:
			parts = append(parts, c)
		}
	}

	return filepath.Join(parts...), nil
}

// lookupResult is either a local filesystem path or a remote URI,
// mirroring the original's LookupResult enum.
type lookupResult struct {
	path string
	uri  string // empty when this result is a local path
}

// lookupPath walks path_norm's components one at a time from root,
// following any symlink it encounters whose target is itself a URI
// (rather than another filesystem path). Once a URI is found, every
// remaining component is appended to it instead of being resolved on
// disk. If nothing on disk exists and a fallback URI was configured, the
// whole path is resolved against the fallback.
func lookupPath(root, p, fallback string) (lookupResult, error) {
	pathNorm, err := normalizePath(p)
	if err != nil {
		return lookupResult{}, err
	}

	var uri string
	dir := root
	isDangling := false

	components := strings.Split(filepath.ToSlash(pathNorm), "/")
	for _, c := range components {
		if c == "" {
			continue
		}

		if uri != "" {
			if !strings.HasSuffix(uri, "/") {
				uri += "/"
			}
			uri += c
			continue
		}

		if isDangling {
			dir = filepath.Join(dir, c)
			continue
		}

		candidate := filepath.Join(dir, c)
		info, err := os.Lstat(candidate)
		if err != nil {
			isDangling = true
			dir = candidate
			continue
		}

		if info.Mode()&os.ModeSymlink == 0 {
			dir = candidate
			continue
		}

		target, err := os.Readlink(candidate)
		if err != nil {
			return lookupResult{}, err
		}

		if uriSchemeRegexp.MatchString(target) {
			uri = target
		} else {
			dir = candidate
		}
	}

	if uri == "" && fallback != "" {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			candidate := fallback + pathNorm
			if uriSchemeRegexp.MatchString(fallback) {
				uri = candidate
			} else {
				dir = candidate
			}
		}
	}

	if uri == "" {
		return lookupResult{path: dir}, nil
	}
	return lookupResult{uri: uri}, nil
}

// Instantiate resolves p to a Fetcher: a local File, or a URI-backed
// fetcher bridged through the shared cache.
func (b *Builder) Instantiate(p string) (Fetcher, error) {
	fallback := b.FallbackURI
	if b.DisableProxy {
		fallback = ""
	}

	res, err := lookupPath(b.Dir, p, fallback)
	if err != nil {
		return nil, err
	}

	if res.uri != "" {
		if b.DisableProxy {
			return nil, &tftp.FileMissingError{Path: p}
		}
		return NewURIFetcher(res.uri)
	}
	return NewFile(res.path), nil
}
