package ntfs

import "io"

// decompressedStream layers block-wise decompression over a raw (non-resident,
// compression-unit-tagged) Stream, per spec.md §4.6.
type decompressedStream struct {
	raw          *Stream
	extents      []Extent
	clusterSize  int64
	unitClusters int64 // clusters per compression unit
	unitSize     int64 // unitClusters * clusterSize
	logicalSize  int64 // decompressed size
	decompressor Decompressor

	offset int64

	haveCached    bool
	cachedUnitIdx int64
	cachedUnit    []byte
}

func newDecompressedStream(raw *Stream, extents []Extent, clusterSize int64, unitLog2 uint8, logicalSize int64, decompressor Decompressor) *decompressedStream {
	return &decompressedStream{
		raw:          raw,
		extents:      extents,
		clusterSize:  clusterSize,
		unitClusters: 1 << unitLog2,
		unitSize:     (1 << unitLog2) * clusterSize,
		logicalSize:  logicalSize,
		decompressor: decompressor,
		cachedUnitIdx: -1,
	}
}

func (d *decompressedStream) Size() int64 { return d.logicalSize }

func (d *decompressedStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = d.offset + offset
	case io.SeekEnd:
		abs = d.logicalSize + offset
	default:
		return 0, Argument(KindInvalidValue, "decompressedStream.Seek", nil)
	}
	if abs < 0 || abs > d.logicalSize {
		return 0, Argument(KindOutOfBounds, "decompressedStream.Seek", nil)
	}
	d.offset = abs
	return abs, nil
}

func (d *decompressedStream) Read(buf []byte) (int, error) {
	if d.offset >= d.logicalSize {
		return 0, io.EOF
	}
	if remaining := d.logicalSize - d.offset; int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	total := 0
	for len(buf) > 0 {
		unitIdx := d.offset / d.unitSize
		unitOff := d.offset % d.unitSize

		unit, err := d.unitBytes(unitIdx)
		if err != nil {
			return total, err
		}
		n := copy(buf, unit[unitOff:])
		buf = buf[n:]
		d.offset += int64(n)
		total += n
	}
	return total, nil
}

// unitBytes returns the decoded (decompressed or verbatim) bytes of
// compression unit unitIdx, using a single-unit cache (spec.md §4.6 step 4).
func (d *decompressedStream) unitBytes(unitIdx int64) ([]byte, error) {
	if d.haveCached && d.cachedUnitIdx == unitIdx {
		return d.cachedUnit, nil
	}
	if err := d.raw.vol.checkAbort(); err != nil {
		return nil, err
	}

	windowStartVCN := uint64(unitIdx) * uint64(d.unitClusters)
	backed, total := windowClusterCounts(d.extents, windowStartVCN, uint64(d.unitClusters))

	var out []byte
	switch {
	case backed == 0:
		out = make([]byte, d.unitSize)

	case backed == total && total == uint64(d.unitClusters):
		out = make([]byte, d.unitSize)
		if err := d.raw.readRawRange(int64(windowStartVCN)*d.clusterSize, out); err != nil {
			return nil, err
		}

	default:
		compressed := make([]byte, backed*uint64(d.clusterSize))
		if err := d.raw.readRawRange(int64(windowStartVCN)*d.clusterSize, compressed); err != nil {
			return nil, Input(KindInvalidData, "decompressedStream.unitBytes", err)
		}
		decoded, err := d.decompressor(compressed, int(d.unitSize))
		if err != nil {
			return nil, Compression(KindDecompressFailed, "decompressedStream.unitBytes", err)
		}
		if int64(len(decoded)) != d.unitSize {
			return nil, Compression(KindDecompressFailed, "decompressedStream.unitBytes", nil)
		}
		out = decoded
	}

	d.cachedUnitIdx = unitIdx
	d.cachedUnit = out
	d.haveCached = true
	return out, nil
}

// windowClusterCounts sums the backed (non-sparse) and total cluster counts
// of extent pieces overlapping [windowStart, windowStart+unitClusters).
func windowClusterCounts(extents []Extent, windowStart, unitClusters uint64) (backed, total uint64) {
	windowEnd := windowStart + unitClusters
	var pos uint64
	for _, e := range extents {
		end := pos + e.Length
		if end > windowStart && pos < windowEnd {
			lo := pos
			if lo < windowStart {
				lo = windowStart
			}
			hi := end
			if hi > windowEnd {
				hi = windowEnd
			}
			n := hi - lo
			total += n
			if e.HasLCN {
				backed += n
			}
		}
		pos = end
	}
	return backed, total
}
