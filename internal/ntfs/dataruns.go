package ntfs

// decodeRuns decodes the mapping-pairs byte stream of a non-resident
// attribute into an ordered list of Extents, per spec.md §4.4. clusterSize
// is unused. The sum of the extent lengths is not checked against the
// attribute's AllocatedSize, here or by any caller.
//
// If compressionUnitLog2 is non-zero, runs are grouped into
// 2^compressionUnitLog2-cluster windows and any window containing a mix of
// backed (non-sparse) and sparse clusters is tagged ExtentCompressedUnit on
// every extent piece inside it (spec.md §4.4).
func decodeRuns(b []byte, clusterSize uint64, compressionUnitLog2 uint8) ([]Extent, error) {
	op := "decodeRuns"
	var extents []Extent
	currentLCN := int64(0)

	for len(b) > 0 {
		header := b[0]
		if header == 0 {
			break
		}
		lengthBytes := int(header & 0x0F)
		lcnBytes := int(header >> 4)
		need := 1 + lengthBytes + lcnBytes
		if need > len(b) {
			return nil, Input(KindInvalidData, op, nil)
		}

		length := decodeLEUnsigned(b[1 : 1+lengthBytes])
		if length == 0 {
			return nil, Input(KindInvalidData, op, nil)
		}

		ext := Extent{Length: length}
		if lcnBytes == 0 {
			ext.HasLCN = false
		} else {
			delta := decodeLESigned(b[1+lengthBytes : 1+lengthBytes+lcnBytes])
			currentLCN += delta
			if currentLCN < 0 {
				return nil, Input(KindInvalidData, op, nil)
			}
			ext.HasLCN = true
			ext.LCN = uint64(currentLCN)
		}
		extents = append(extents, ext)

		b = b[need:]
	}

	if compressionUnitLog2 != 0 {
		extents = tagCompressionUnits(extents, 1<<compressionUnitLog2)
	}

	return extents, nil
}

// tagCompressionUnits splits extents at unitClusters-sized window boundaries
// and marks every piece inside a mixed backed/sparse window with
// ExtentCompressedUnit.
func tagCompressionUnits(extents []Extent, unitClusters uint64) []Extent {
	if unitClusters == 0 {
		return extents
	}

	// Split at window boundaries first so no piece straddles a window.
	var pieces []Extent
	var pos uint64
	for _, e := range extents {
		remaining := e.Length
		lcn := e.LCN
		for remaining > 0 {
			offsetInWindow := pos % unitClusters
			roomInWindow := unitClusters - offsetInWindow
			take := remaining
			if take > roomInWindow {
				take = roomInWindow
			}
			piece := Extent{HasLCN: e.HasLCN, Length: take, Flags: e.Flags}
			if e.HasLCN {
				piece.LCN = lcn
				lcn += take
			}
			pieces = append(pieces, piece)
			remaining -= take
			pos += take
		}
	}

	// Now scan window-aligned groups of pieces and tag mixed windows.
	var out []Extent
	i := 0
	var windowPos uint64
	for i < len(pieces) {
		var windowClusters, backedClusters uint64
		j := i
		for j < len(pieces) && windowClusters < unitClusters {
			windowClusters += pieces[j].Length
			if pieces[j].HasLCN {
				backedClusters += pieces[j].Length
			}
			j++
		}
		mixed := backedClusters > 0 && backedClusters < unitClusters
		for k := i; k < j; k++ {
			if mixed {
				pieces[k].Flags |= ExtentCompressedUnit
			}
			out = append(out, pieces[k])
		}
		windowPos += windowClusters
		i = j
	}
	return out
}

func decodeLEUnsigned(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// decodeLESigned decodes a little-endian two's-complement integer of
// arbitrary byte width, sign-extending from the top bit of the last byte
// (spec.md §4.4: "LCN = signed little-endian, LCN_bytes wide").
func decodeLESigned(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	if b[len(b)-1]&0x80 != 0 {
		// Sign-extend into the unused high bytes.
		v |= ^uint64(0) << (uint(len(b)) * 8)
	}
	return int64(v)
}

// encodeRuns is the inverse of decodeRuns, used by round-trip tests
// (spec.md §8). It does not attempt to reproduce compression-unit tagging
// byte-for-byte; callers compare decoded Extent content, not raw bytes.
func encodeRuns(extents []Extent) []byte {
	var out []byte
	currentLCN := int64(0)
	for _, e := range extents {
		lengthBytes := minimalUnsignedBytes(e.Length)
		var lcnBytes int
		var delta int64
		if e.HasLCN {
			delta = int64(e.LCN) - currentLCN
			currentLCN = int64(e.LCN)
			lcnBytes = minimalSignedBytes(delta)
		}
		header := byte(lengthBytes) | byte(lcnBytes<<4)
		out = append(out, header)
		out = append(out, encodeLEUnsigned(e.Length, lengthBytes)...)
		if lcnBytes > 0 {
			out = append(out, encodeLESigned(delta, lcnBytes)...)
		}
	}
	out = append(out, 0)
	return out
}

func minimalUnsignedBytes(v uint64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 8
	}
	if n == 0 {
		n = 1
	}
	return n
}

func minimalSignedBytes(v int64) int {
	n := 1
	for {
		if v >= -(1<<(8*n-1)) && v < (1<<(8*n-1)) {
			return n
		}
		n++
	}
}

func encodeLEUnsigned(v uint64, n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func encodeLESigned(v int64, n int) []byte {
	return encodeLEUnsigned(uint64(v), n)
}
