package ntfs

import (
	"encoding/binary"
	"unicode/utf16"
)

// Collation identifies how an index's keys are ordered (spec.md §4.8).
type Collation int

const (
	CollationFileName Collation = iota
	CollationUint32
	CollationSID
	CollationGUID
)

// Index node entry flag bits (standard NTFS INDEX_ENTRY flags).
const (
	indexEntryFlagHasSubNode = 0x0001
	indexEntryFlagIsLast     = 0x0002
)

// MaxIndexDepth bounds recursive index traversal (spec.md §4.8, §5).
const MaxIndexDepth = 256

// IndexValue is one decoded entry from an index node (spec.md §3).
type IndexValue struct {
	FileReference FileReference
	KeyBytes      []byte
	ValueBytes    []byte
	HasSubNode    bool
	SubNodeVCN    uint64
	IsLast        bool
}

// indexNodeHeader is the common 16-byte header preceding an index's entry
// list, present both inside $INDEX_ROOT and at the start of each INDX
// record (spec.md §4.8).
type indexNodeHeader struct {
	entriesOffset uint32 // relative to the start of this header
	indexLength   uint32 // bytes of entries actually used
	allocatedSize uint32
	hasAllocation bool // flags bit 0: node has an $INDEX_ALLOCATION counterpart
}

func parseIndexNodeHeader(b []byte) (indexNodeHeader, error) {
	if len(b) < 16 {
		return indexNodeHeader{}, Input(KindInvalidData, "parseIndexNodeHeader", nil)
	}
	h := indexNodeHeader{
		entriesOffset: binary.LittleEndian.Uint32(b[0:4]),
		indexLength:   binary.LittleEndian.Uint32(b[4:8]),
		allocatedSize: binary.LittleEndian.Uint32(b[8:12]),
		hasAllocation: b[12]&0x01 != 0,
	}
	if h.entriesOffset > h.allocatedSize || int(h.entriesOffset) > len(b) {
		return indexNodeHeader{}, Input(KindInvalidData, "parseIndexNodeHeader", nil)
	}
	return h, nil
}

// parseIndexEntries walks the entry list following a node header, per
// spec.md §3's IndexNode invariant (ordered, last entry has IS_LAST and no
// key, branch entries carry a sub-node VCN).
//
// The entry's first 8 bytes are a union whose interpretation depends on
// collation: for the directory ($I30, CollationFileName) index it is the
// child's FileReference; for every other index ($SII, $SDH, $O, $Q, ...) it
// is instead {data_offset(u16), data_length(u16), reserved(u32)} naming an
// inline value payload elsewhere in the same entry, which is decoded into
// ValueBytes instead of aliasing the key.
func parseIndexEntries(b []byte, header indexNodeHeader, collation Collation) ([]IndexValue, error) {
	op := "parseIndexEntries"
	limit := int(header.indexLength)
	if limit > len(b) {
		limit = len(b)
	}
	offset := int(header.entriesOffset)

	var values []IndexValue
	for offset+16 <= limit {
		entryLength := binary.LittleEndian.Uint16(b[offset+8:])
		keyLength := binary.LittleEndian.Uint16(b[offset+10:])
		flags := binary.LittleEndian.Uint16(b[offset+12:])

		if entryLength < 16 || offset+int(entryLength) > limit {
			return nil, Input(KindInvalidData, op, nil)
		}

		v := IndexValue{
			HasSubNode: flags&indexEntryFlagHasSubNode != 0,
			IsLast:     flags&indexEntryFlagIsLast != 0,
		}

		if collation == CollationFileName {
			v.FileReference = FileReference(binary.LittleEndian.Uint64(b[offset:]))
		} else if !v.IsLast {
			dataOffset := int(binary.LittleEndian.Uint16(b[offset:]))
			dataLength := int(binary.LittleEndian.Uint16(b[offset+2:]))
			if dataLength > 0 {
				if dataOffset+dataLength > int(entryLength) {
					return nil, Input(KindInvalidData, op, nil)
				}
				v.ValueBytes = append([]byte(nil), b[offset+dataOffset:offset+dataOffset+dataLength]...)
			}
		}

		if !v.IsLast && keyLength > 0 {
			keyStart := offset + 16
			if keyStart+int(keyLength) > offset+int(entryLength) {
				return nil, Input(KindInvalidData, op, nil)
			}
			v.KeyBytes = append([]byte(nil), b[keyStart:keyStart+int(keyLength)]...)
			if collation == CollationFileName {
				v.ValueBytes = v.KeyBytes
			}
		}

		if v.HasSubNode {
			if int(entryLength) < 8 {
				return nil, Input(KindInvalidData, op, nil)
			}
			vcnOff := offset + int(entryLength) - 8
			v.SubNodeVCN = binary.LittleEndian.Uint64(b[vcnOff:])
		}

		values = append(values, v)
		offset += int(entryLength)
		if v.IsLast {
			break
		}
	}
	return values, nil
}

// Index is the generic NTFS B+ index engine of spec.md §4.8: a resident root
// node, an optional non-resident allocation stream of INDX blocks, and a
// bitmap of which allocation slots are live.
type Index struct {
	vol        *Volume
	collation  Collation
	foldCase   bool
	recordSize uint32
	clusterSize int64

	root       []IndexValue
	allocation *Stream // nil if the index fits entirely in the root
	bitmap     []byte  // bit i set => allocation slot i (VCN i*clustersPerRecord) is live

	nodeCache map[uint64][]IndexValue // keyed by sub-node VCN
}

// newIndex builds an Index from an entry's $INDEX_ROOT, $INDEX_ALLOCATION,
// and $BITMAP attributes (spec.md §4.8). rootAttr must be resident;
// allocationAttr/bitmapAttr may be nil.
func newIndex(vol *Volume, rootAttr *Attribute, allocationAttr *Attribute, bitmapAttr *Attribute, collation Collation, foldCase bool) (*Index, error) {
	op := "newIndex"
	if rootAttr == nil || !rootAttr.Resident {
		return nil, Input(KindInvalidData, op, nil)
	}
	content := rootAttr.Content
	if len(content) < 16 {
		return nil, Input(KindInvalidData, op, nil)
	}
	recordSize := binary.LittleEndian.Uint32(content[8:12])

	header, err := parseIndexNodeHeader(content[16:])
	if err != nil {
		return nil, err
	}
	values, err := parseIndexEntries(content[16:], header, collation)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		vol:         vol,
		collation:   collation,
		foldCase:    foldCase,
		recordSize:  recordSize,
		clusterSize: int64(vol.ClusterSize()),
		root:        values,
		nodeCache:   make(map[uint64][]IndexValue),
	}

	if header.hasAllocation && allocationAttr != nil {
		stream, err := vol.streamForAttribute(allocationAttr)
		if err != nil {
			return nil, err
		}
		idx.allocation = stream
	}
	if bitmapAttr != nil {
		if bitmapAttr.Resident {
			idx.bitmap = bitmapAttr.Content
		} else {
			s, err := vol.streamForAttribute(bitmapAttr)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, s.Size())
			if _, err := ioReadFull(s, buf); err != nil {
				return nil, err
			}
			idx.bitmap = buf
		}
	}

	return idx, nil
}

func ioReadFull(s *Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// slotLive reports whether allocation slot i (the i'th index-record-sized
// region of the allocation stream) is marked live in the bitmap.
func (idx *Index) slotLive(i uint64) bool {
	byteIdx := i / 8
	if idx.bitmap == nil || byteIdx >= uint64(len(idx.bitmap)) {
		return false
	}
	return idx.bitmap[byteIdx]&(1<<(i%8)) != 0
}

// loadNode decodes the INDX record at sub-node VCN vcn, per spec.md §4.8.
func (idx *Index) loadNode(vcn uint64) ([]IndexValue, error) {
	if v, ok := idx.nodeCache[vcn]; ok {
		return v, nil
	}
	if idx.allocation == nil {
		return nil, Input(KindInvalidData, "Index.loadNode", nil)
	}
	clustersPerRecord := int64(idx.recordSize) / idx.clusterSize
	if clustersPerRecord < 1 {
		clustersPerRecord = 1
	}
	slot := vcn / uint64(clustersPerRecord)
	if !idx.slotLive(slot) {
		idx.vol.diag.Warnf("index node at vcn %d: bitmap marks slot dead, skipping", vcn)
		return nil, nil
	}

	byteOff := int64(vcn) * idx.clusterSize
	buf := make([]byte, idx.recordSize)
	if _, err := idx.allocation.Seek(byteOff, 0); err != nil {
		return nil, Input(KindInvalidData, "Index.loadNode", err)
	}
	if _, err := ioReadFull(idx.allocation, buf); err != nil {
		return nil, Input(KindInvalidData, "Index.loadNode", err)
	}

	if !bytesHasPrefix(buf, []byte("INDX")) {
		idx.vol.diag.Warnf("index node at vcn %d: bad INDX signature, marking corrupted", vcn)
		return nil, nil
	}

	usaOffset := int(binary.LittleEndian.Uint16(buf[4:6]))
	usaSize := int(binary.LittleEndian.Uint16(buf[6:8]))
	if _, err := applyFixup(buf, usaOffset, usaSize, int(idx.vol.bytesPerSector)); err != nil {
		idx.vol.diag.Warnf("index node at vcn %d: fixup failed, marking corrupted", vcn)
		return nil, nil
	}

	const indxHeaderOffset = 0x18
	header, err := parseIndexNodeHeader(buf[indxHeaderOffset:])
	if err != nil {
		idx.vol.diag.Warnf("index node at vcn %d: invalid node header, marking corrupted", vcn)
		return nil, nil
	}
	values, err := parseIndexEntries(buf[indxHeaderOffset:], header, idx.collation)
	if err != nil {
		idx.vol.diag.Warnf("index node at vcn %d: invalid entries, marking corrupted", vcn)
		return nil, nil
	}
	if cap := idx.vol.indexNodeCacheCapacity; cap > 0 && len(idx.nodeCache) >= cap {
		// Plain map, no per-entry recency tracking: drop the whole cache
		// rather than approximate LRU:  a correct full flush beats a subtly
		// wrong eviction order, and index nodes are cheap to re-decode.
		idx.nodeCache = make(map[uint64][]IndexValue)
	}
	idx.nodeCache[vcn] = values
	return values, nil
}

func bytesHasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// compareKeys orders two keys per idx's collation (spec.md §4.8's
// tie-break rule for file_name: case-fold both names unless the volume
// records the directory as case-sensitive; compare UTF-16 otherwise).
func (idx *Index) compareKeys(a, b []byte) int {
	switch idx.collation {
	case CollationFileName:
		an := fileNameKeyName(a)
		bn := fileNameKeyName(b)
		if idx.foldCase {
			an = idx.vol.fold(an)
			bn = idx.vol.fold(bn)
		}
		au := utf16.Encode([]rune(an))
		bu := utf16.Encode([]rune(bn))
		for i := 0; i < len(au) && i < len(bu); i++ {
			if au[i] != bu[i] {
				if au[i] < bu[i] {
					return -1
				}
				return 1
			}
		}
		switch {
		case len(au) < len(bu):
			return -1
		case len(au) > len(bu):
			return 1
		}
		return 0
	case CollationUint32:
		av := binary.LittleEndian.Uint32(padKey(a, 4))
		bv := binary.LittleEndian.Uint32(padKey(b, 4))
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	default:
		// SID/GUID and anything else: raw byte-wise compare.
		return compareBytes(a, b)
	}
}

func padKey(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// fileNameKeyName decodes the Name field out of a raw $FILE_NAME key blob.
func fileNameKeyName(key []byte) string {
	v, err := parseFileNameValues(key)
	if err != nil {
		return ""
	}
	return v.Name
}

// Lookup performs a B+-tree search for key, per spec.md §4.8.
func (idx *Index) Lookup(key []byte) (*IndexValue, error) {
	return idx.lookupIn(idx.root, key, 0)
}

func (idx *Index) lookupIn(values []IndexValue, key []byte, depth int) (*IndexValue, error) {
	if depth > idx.vol.indexDepthLimit {
		return nil, Runtime(KindOutOfBounds, "Index.Lookup", nil)
	}
	for _, v := range values {
		if v.IsLast {
			if v.HasSubNode {
				return idx.descend(v.SubNodeVCN, key, depth)
			}
			return nil, nil
		}
		cmp := idx.compareKeys(key, v.KeyBytes)
		if cmp == 0 {
			return &v, nil
		}
		if cmp < 0 {
			if v.HasSubNode {
				return idx.descend(v.SubNodeVCN, key, depth)
			}
			return nil, nil
		}
	}
	return nil, nil
}

func (idx *Index) descend(vcn uint64, key []byte, depth int) (*IndexValue, error) {
	values, err := idx.loadNode(vcn)
	if err != nil {
		return nil, err
	}
	return idx.lookupIn(values, key, depth+1)
}

// IndexIterator yields an index's entries in collation order (spec.md §4.8's
// iterate operation, re-expressed as an iterator per spec.md §9).
//
// Each node's entries are expanded into an ordered list of items — a
// subtree-descent item immediately followed by the value item it precedes,
// per the B+-tree in-order rule — so that a LIFO stack of per-node cursors
// yields entries in collation order: descending into a subtree pushes a new
// frame on top, which drains completely (innermost first) before its
// parent's cursor advances past the value that subtree precedes.
type IndexIterator struct {
	idx   *Index
	stack []iterFrame
	cur   *IndexValue
	err   error
}

type iterItem struct {
	isSubtree bool
	subVCN    uint64
	value     IndexValue
}

type iterFrame struct {
	items []iterItem
	pos   int
	depth int
}

func buildIterItems(values []IndexValue) []iterItem {
	var items []iterItem
	for _, v := range values {
		if v.HasSubNode {
			items = append(items, iterItem{isSubtree: true, subVCN: v.SubNodeVCN})
		}
		if !v.IsLast {
			items = append(items, iterItem{value: v})
		}
	}
	return items
}

// Iterate returns an in-order iterator over idx's entries.
func (idx *Index) Iterate() *IndexIterator {
	return &IndexIterator{idx: idx, stack: []iterFrame{{items: buildIterItems(idx.root)}}}
}

// Next advances the iterator, returning false at end-of-index or on error
// (check Err after Next returns false).
func (it *IndexIterator) Next() bool {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.pos >= len(top.items) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		if top.depth > it.idx.vol.indexDepthLimit {
			it.err = Runtime(KindOutOfBounds, "IndexIterator.Next", nil)
			return false
		}

		item := top.items[top.pos]
		top.pos++

		if item.isSubtree {
			sub, err := it.idx.loadNode(item.subVCN)
			if err != nil {
				it.err = err
				return false
			}
			it.stack = append(it.stack, iterFrame{items: buildIterItems(sub), depth: top.depth + 1})
			continue
		}

		v := item.value
		it.cur = &v
		return true
	}
	return false
}

// Value returns the entry most recently yielded by Next.
func (it *IndexIterator) Value() IndexValue { return *it.cur }

// Err returns any error encountered during iteration.
func (it *IndexIterator) Err() error { return it.err }
