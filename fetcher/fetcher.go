// Package fetcher resolves a requested path to a byte source — either a
// local file under the server's root directory, or (when the path
// resolves through a symlink naming an http(s) URL) an HTTP(S) origin
// bridged through the shared cache in package cache.
package fetcher

// Fetcher is the byte source an RRQ session reads from. Its method set
// includes every method of the xfer.Fetcher interface, so that any
// Fetcher can be plugged straight into an xfer.TransferWindow; Open, Size
// and Close are additions used by the session.
type Fetcher interface {
	// Open prepares the fetcher for reading, returning a
	// *tftp.FileMissingError (or a wrapped HTTP status error) if the
	// underlying resource does not exist.
	Open() error

	// Size returns the resource's total size, if known up front.
	Size() (uint64, bool)

	// Read fills buf with the next bytes of the resource.
	Read(buf []byte) (int, error)

	// ReadMmap returns up to size bytes without copying, for fetchers
	// that can hand back a reference into their own buffer.
	ReadMmap(size int) ([]byte, error)

	// IsEOF reports whether every byte of the resource has been
	// consumed by Read/ReadMmap.
	IsEOF() bool

	// IsMmapped reports whether ReadMmap is usable on this fetcher.
	IsMmapped() bool

	// Close releases any resources (open file descriptors, cache
	// entry references) held by the fetcher.
	Close() error
}
