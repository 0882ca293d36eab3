package fetcher

import (
	"errors"
	"io"
	"os"

	"github.com/m-lab/tftpd/tftp"
)

// File serves bytes straight from the local filesystem. It streams reads
// rather than mmap'ing, matching the upstream implementation's actual
// (non-mmap) file fetcher — IsMmapped always reports false.
type File struct {
	path string
	f    *os.File
	eof  bool
}

// NewFile constructs a File fetcher for path; Open must be called before
// any Read.
func NewFile(path string) *File {
	return &File{path: path}
}

func (fl *File) Open() error {
	if fl.f != nil {
		return tftp.ErrInternal
	}

	f, err := os.Open(fl.path)
	if errors.Is(err, os.ErrNotExist) {
		return &tftp.FileMissingError{Path: fl.path}
	}
	if err != nil {
		return err
	}

	fl.f = f
	return nil
}

func (fl *File) IsMmapped() bool {
	return false
}

func (fl *File) Size() (uint64, bool) {
	info, err := fl.f.Stat()
	if err != nil {
		return 0, false
	}
	return uint64(info.Size()), true
}

func (fl *File) Read(buf []byte) (int, error) {
	if fl.eof {
		panic("fetcher: Read called after EOF")
	}

	pos := 0
	for pos < len(buf) {
		n, err := fl.f.Read(buf[pos:])
		if n > 0 {
			pos += n
		}
		if err == io.EOF || n == 0 {
			fl.eof = true
			break
		}
		if err != nil {
			return pos, err
		}
	}

	return pos, nil
}

func (fl *File) ReadMmap(int) ([]byte, error) {
	return nil, tftp.ErrNotImplemented
}

func (fl *File) IsEOF() bool {
	return fl.eof
}

func (fl *File) Close() error {
	if fl.f == nil {
		return nil
	}
	return fl.f.Close()
}
