package nhacp

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nabunet/nabud/conn"
	"github.com/nabunet/nabud/image"
)

// The storage extension: numbered slots holding open files. A slot is
// backed either by a local file under the connection's file root, or by
// an in-memory copy of an HTTP-fetched resource (read-only).

const maxSlots = 256

// requestAnySlot asks Open to pick the lowest free slot.
const requestAnySlot = 0xff

type file struct {
	slot     uint8
	location string
	local    *os.File // nil for remote files
	mem      []byte   // remote file contents
	writable bool
}

func (f *file) size() (uint32, error) {
	if f.local == nil {
		return uint32(len(f.mem)), nil
	}
	fi, err := f.local.Stat()
	if err != nil {
		return 0, err
	}
	return uint32(fi.Size()), nil
}

func (f *file) pread(buf []byte, offset uint32) (int, error) {
	if f.local == nil {
		if int64(offset) >= int64(len(f.mem)) {
			return 0, nil
		}
		return copy(buf, f.mem[offset:]), nil
	}
	n, err := f.local.ReadAt(buf, int64(offset))
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (f *file) pwrite(buf []byte, offset uint32) error {
	if f.local == nil || !f.writable {
		return errReadOnly
	}
	_, err := f.local.WriteAt(buf, int64(offset))
	return err
}

func (f *file) close() {
	if f.local != nil {
		f.local.Close()
	}
}

var (
	errReadOnly    = errors.New("file is read-only")
	errNoStorage   = errors.New("connection has no local storage")
	errSlotsInUse  = errors.New("all storage slots are in use")
	errOutsideRoot = errors.New("path escapes the storage root")
)

// storage is the per-context slot table.
type storage struct {
	conn    *conn.Conn
	fetcher *image.Fetcher
	files   map[uint8]*file
}

func newStorage(c *conn.Conn, fetcher *image.Fetcher) *storage {
	return &storage{
		conn:    c,
		fetcher: fetcher,
		files:   make(map[uint8]*file),
	}
}

func (s *storage) find(slot uint8) *file {
	return s.files[slot]
}

func (s *storage) closeAll() {
	for slot, f := range s.files {
		f.close()
		delete(s.files, slot)
	}
}

func (s *storage) allocSlot(req uint8) (uint8, error) {
	if req != requestAnySlot {
		if old := s.files[req]; old != nil {
			old.close()
			delete(s.files, req)
		}
		return req, nil
	}
	for i := 0; i < maxSlots-1; i++ {
		if _, ok := s.files[uint8(i)]; !ok {
			return uint8(i), nil
		}
	}
	return 0, errSlotsInUse
}

// resolveLocal maps a client-supplied name into the connection's file
// root, refusing escapes.
func (s *storage) resolveLocal(name string) (string, error) {
	root := s.conn.FileRoot()
	if root == "" {
		return "", errNoStorage
	}
	clean := filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if clean == "/" {
		return "", fs.ErrNotExist
	}
	path := filepath.Join(root, clean)
	if !strings.HasPrefix(path, filepath.Clean(root)+string(filepath.Separator)) {
		return "", errOutsideRoot
	}
	return path, nil
}

// open opens a URL or local name into a slot and returns the file and
// its size.
func (s *storage) open(url string, reqSlot uint8, oflags uint16) (*file, uint32, error) {
	slot, err := s.allocSlot(reqSlot)
	if err != nil {
		return nil, 0, err
	}

	var f *file
	if image.IsURL(url) {
		data, err := s.fetcher.Get(url)
		if err != nil {
			return nil, 0, err
		}
		f = &file{slot: slot, location: url, mem: data}
	} else {
		path, err := s.resolveLocal(url)
		if err != nil {
			return nil, 0, err
		}

		flags := os.O_RDWR
		writable := true
		if oflags&OAccMask == ORdonly {
			flags = os.O_RDONLY
			writable = false
		}
		if oflags&OCreat != 0 {
			flags |= os.O_CREATE
		}
		if oflags&OExcl != 0 {
			flags |= os.O_EXCL
		}

		fp, err := os.OpenFile(path, flags, 0o644)
		if err != nil && flags&os.O_RDWR != 0 && oflags&OCreat == 0 {
			// A read-write open of a read-only file still has to
			// succeed for reading.
			fp, err = os.OpenFile(path, os.O_RDONLY, 0)
			writable = false
		}
		if err != nil {
			return nil, 0, err
		}
		f = &file{slot: slot, location: path, local: fp, writable: writable}
	}

	size, err := f.size()
	if err != nil {
		f.close()
		return nil, 0, err
	}

	s.files[slot] = f
	return f, size, nil
}

func (s *storage) closeSlot(slot uint8) {
	if f := s.files[slot]; f != nil {
		f.close()
		delete(s.files, slot)
	}
}

// errorCode maps a Go error to an NHACP error code.
func errorCode(err error) uint16 {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ENoEnt
	case errors.Is(err, fs.ErrPermission), errors.Is(err, errOutsideRoot):
		return EAcces
	case errors.Is(err, fs.ErrExist):
		return EExist
	case errors.Is(err, errReadOnly), errors.Is(err, errNoStorage):
		return EPerm
	case errors.Is(err, errSlotsInUse):
		return ENFile
	default:
		return EIO
	}
}
