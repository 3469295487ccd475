package ntfs

import "io"

// BlockSource is the random-access byte source the core reads the image
// through. Offsets are absolute within the image; a caller mounting a volume
// at a non-zero offset inside a container supplies an OffsetSource wrapping
// its own reader (spec.md §6, L0).
//
// BlockSource is an external collaborator: ntfscore never opens files or
// sockets itself.
type BlockSource interface {
	// ReadAt reads len(p) bytes starting at off, like io.ReaderAt, but is
	// permitted to return fewer bytes than requested only at end-of-image.
	ReadAt(p []byte, off int64) (int, error)
	// Size returns the total addressable length of the image.
	Size() (int64, error)
}

// OffsetSource adapts an io.ReaderAt with a known size to a BlockSource, with
// a volume offset (the CLI -o flag of spec.md §6) added to every read.
type OffsetSource struct {
	r      io.ReaderAt
	size   int64
	offset int64
}

// NewOffsetSource builds a BlockSource over r, treating the volume as
// starting volumeOffset bytes into r and spanning the rest of r (size bytes
// total, as measured from the start of r, not from volumeOffset).
func NewOffsetSource(r io.ReaderAt, size int64, volumeOffset int64) *OffsetSource {
	return &OffsetSource{r: r, size: size, offset: volumeOffset}
}

func (s *OffsetSource) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, s.offset+off)
}

func (s *OffsetSource) Size() (int64, error) {
	sz := s.size - s.offset
	if sz < 0 {
		sz = 0
	}
	return sz, nil
}

// readAtFull reads exactly len(p) bytes at off from src, wrapping short
// reads/errors as an IO error tagged with op.
func readAtFull(src BlockSource, p []byte, off int64, op string) error {
	n, err := src.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return IO(KindReadFailed, op, err)
	}
	if n < len(p) {
		return IO(KindReadFailed, op, io.ErrUnexpectedEOF)
	}
	return nil
}
