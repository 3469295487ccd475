package ntfs

import (
	"io"
)

// Stream presents an MFT attribute (resident or non-resident, sparse or
// dense) as a seekable byte stream of length LogicalSize, per spec.md §4.5.
// A Stream whose backing attribute is compressed is wrapped in a
// decompressedStream (decompress.go, §4.6) rather than read directly.
type Stream struct {
	vol         *Volume
	clusterSize int64

	resident bool
	content  []byte // resident content

	extents       []Extent // non-resident; VCN-ordered
	allocatedSize int64    // clusters*clusterSize
	logicalSize   int64    // DataSize; reads beyond this return 0 bytes

	offset int64

	// single-block read cache (spec.md §4.5: "size-1 LRU is sufficient").
	cachedClusterIdx int64
	cachedBlock      []byte
	haveCached       bool

	// decomp is set when this Stream fronts a compressed attribute; Size,
	// Seek, and Read all delegate to it instead of the fields above
	// (spec.md §4.6).
	decomp *decompressedStream
}

// newCompressedStream wraps a raw (compression-unit-tagged) non-resident
// Stream with block-wise decompression, exposing the same *Stream contract
// so callers never need to distinguish compressed from plain streams
// (spec.md §4.6, §6).
func newCompressedStream(raw *Stream, extents []Extent, clusterSize int64, unitLog2 uint8, logicalSize int64, decompressor Decompressor) *Stream {
	return &Stream{
		vol:              raw.vol,
		logicalSize:      logicalSize,
		cachedClusterIdx: -1,
		decomp:           newDecompressedStream(raw, extents, clusterSize, unitLog2, logicalSize, decompressor),
	}
}

func newResidentStream(vol *Volume, content []byte) *Stream {
	return &Stream{vol: vol, resident: true, content: content, logicalSize: int64(len(content)), cachedClusterIdx: -1}
}

func newNonResidentStream(vol *Volume, clusterSize int64, extents []Extent, logicalSize, allocatedSize int64) *Stream {
	return &Stream{
		vol:           vol,
		clusterSize:   clusterSize,
		extents:       extents,
		logicalSize:   logicalSize,
		allocatedSize: allocatedSize,
		cachedClusterIdx: -1,
	}
}

// Size returns the stream's logical length.
func (s *Stream) Size() int64 { return s.logicalSize }

// Seek implements io.Seeker. Only SeekStart/SeekCurrent/SeekEnd with the
// resulting offset in [0, logicalSize] are valid (spec.md §4.5).
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.decomp != nil {
		return s.decomp.Seek(offset, whence)
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.offset + offset
	case io.SeekEnd:
		abs = s.logicalSize + offset
	default:
		return 0, Argument(KindInvalidValue, "Stream.Seek", nil)
	}
	if abs < 0 || abs > s.logicalSize {
		return 0, Argument(KindOutOfBounds, "Stream.Seek", nil)
	}
	s.offset = abs
	return abs, nil
}

// Read implements io.Reader. Reads past logicalSize return (0, io.EOF) once
// the offset itself is at or past logicalSize; reads that straddle
// logicalSize are truncated to what remains.
func (s *Stream) Read(buf []byte) (int, error) {
	if s.decomp != nil {
		return s.decomp.Read(buf)
	}
	if s.offset >= s.logicalSize {
		return 0, io.EOF
	}
	if remaining := s.logicalSize - s.offset; int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	if s.resident {
		n := copy(buf, s.content[s.offset:])
		s.offset += int64(n)
		return n, nil
	}
	n, err := s.readNonResident(s.offset, buf)
	s.offset += int64(n)
	return n, err
}

// readNonResident services a read of len(buf) bytes starting at logical byte
// offset off, translating through extents and zero-filling sparse/
// beyond-data_size spans (spec.md §4.5).
func (s *Stream) readNonResident(off int64, buf []byte) (int, error) {
	if err := s.vol.checkAbort(); err != nil {
		return 0, err
	}
	total := 0
	for len(buf) > 0 {
		if off >= s.allocatedSize {
			// Past allocated_size entirely: zero-fill (shouldn't normally
			// happen since logicalSize <= allocatedSize, but be defensive).
			for i := range buf {
				buf[i] = 0
			}
			return total + len(buf), nil
		}

		vcn := off / s.clusterSize
		intraCluster := off % s.clusterSize

		ext, extVCNStart, found := s.extentAt(uint64(vcn))
		if !found {
			for i := range buf {
				buf[i] = 0
			}
			return total + len(buf), nil
		}

		clusterOffsetInExtent := uint64(vcn) - extVCNStart
		bytesLeftInExtent := int64(ext.Length-clusterOffsetInExtent)*s.clusterSize - intraCluster

		n := int64(len(buf))
		if n > bytesLeftInExtent {
			n = bytesLeftInExtent
		}

		if !ext.HasLCN {
			for i := int64(0); i < n; i++ {
				buf[i] = 0
			}
		} else {
			clusterIdx := ext.LCN + clusterOffsetInExtent
			physOff := int64(clusterIdx)*s.clusterSize + intraCluster
			if err := s.readAtCached(clusterIdx, physOff, buf[:n]); err != nil {
				return total, err
			}
		}

		buf = buf[n:]
		off += n
		total += int(n)
	}
	return total, nil
}

// extentAt finds the extent covering VCN vcn, returning it and the VCN its
// span starts at.
func (s *Stream) extentAt(vcn uint64) (Extent, uint64, bool) {
	var cur uint64
	for _, e := range s.extents {
		if vcn >= cur && vcn < cur+e.Length {
			return e, cur, true
		}
		cur += e.Length
	}
	return Extent{}, 0, false
}

// readAtCached reads n bytes at absolute physical byte offset physOff,
// through a single-cluster cache keyed by clusterIdx.
func (s *Stream) readAtCached(clusterIdx uint64, physOff int64, buf []byte) error {
	if s.haveCached && int64(clusterIdx) == s.cachedClusterIdx && int64(len(buf)) <= s.clusterSize {
		intra := physOff - clusterIdx0ToPhys(clusterIdx, s.clusterSize)
		copy(buf, s.cachedBlock[intra:])
		return nil
	}
	if int64(len(buf)) >= s.clusterSize {
		// Spans at least a whole cluster; read straight through, no point
		// caching.
		return readAtFull(s.vol.src, buf, physOff, "Stream.readAtCached")
	}
	block := make([]byte, s.clusterSize)
	clusterBase := clusterIdx0ToPhys(clusterIdx, s.clusterSize)
	if err := readAtFull(s.vol.src, block, clusterBase, "Stream.readAtCached"); err != nil {
		return err
	}
	s.cachedClusterIdx = int64(clusterIdx)
	s.cachedBlock = block
	s.haveCached = true
	intra := physOff - clusterBase
	copy(buf, block[intra:])
	return nil
}

func clusterIdx0ToPhys(clusterIdx uint64, clusterSize int64) int64 {
	return int64(clusterIdx) * clusterSize
}

// readRawRange reads backed bytes directly from extents over the logical
// byte range [start, start+len(buf)), zero-filling sparse spans, ignoring
// logicalSize entirely. Used by the decompression stream (§4.6) to fetch a
// compression unit's physical bytes, which may lie beyond DataSize but
// within AllocatedSize.
func (s *Stream) readRawRange(start int64, buf []byte) error {
	for len(buf) > 0 {
		vcn := start / s.clusterSize
		intraCluster := start % s.clusterSize
		ext, extVCNStart, found := s.extentAt(uint64(vcn))
		if !found {
			for i := range buf {
				buf[i] = 0
			}
			return nil
		}
		clusterOffsetInExtent := uint64(vcn) - extVCNStart
		bytesLeftInExtent := int64(ext.Length-clusterOffsetInExtent)*s.clusterSize - intraCluster
		n := int64(len(buf))
		if n > bytesLeftInExtent {
			n = bytesLeftInExtent
		}
		if n <= 0 {
			return Input(KindInvalidData, "Stream.readRawRange", nil)
		}
		if !ext.HasLCN {
			for i := int64(0); i < n; i++ {
				buf[i] = 0
			}
		} else {
			clusterIdx := ext.LCN + clusterOffsetInExtent
			physOff := int64(clusterIdx)*s.clusterSize + intraCluster
			if err := readAtFull(s.vol.src, buf[:n], physOff, "Stream.readRawRange"); err != nil {
				return err
			}
		}
		buf = buf[n:]
		start += n
	}
	return nil
}
