package ntfs

import (
	"encoding/binary"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// $ATTRIBUTE_LIST entry offsets (spec.md §3/§4.7).
const (
	attrListType       = 0x00
	attrListLength     = 0x04
	attrListNameLength = 0x06
	attrListNameOffset = 0x07
	attrListStartVCN   = 0x08
	attrListFileRef    = 0x10
	attrListAttrID     = 0x18
	attrListMinSize    = 0x1A
)

func parseAttributeListEntries(b []byte) ([]AttributeListEntry, error) {
	op := "parseAttributeListEntries"
	var out []AttributeListEntry
	offset := 0
	for offset+attrListMinSize <= len(b) {
		length := int(binary.LittleEndian.Uint16(b[offset+attrListLength:]))
		if length < attrListMinSize || offset+length > len(b) {
			return nil, Input(KindInvalidData, op, nil)
		}
		rec := b[offset : offset+length]
		e := AttributeListEntry{
			Type:          AttributeType(binary.LittleEndian.Uint32(rec[attrListType:])),
			FirstVCN:      binary.LittleEndian.Uint64(rec[attrListStartVCN:]),
			FileReference: FileReference(binary.LittleEndian.Uint64(rec[attrListFileRef:])),
		}
		nameLen := int(rec[attrListNameLength])
		nameOff := int(rec[attrListNameOffset])
		if nameLen > 0 {
			if nameOff+nameLen*2 > len(rec) {
				return nil, Input(KindInvalidData, op, nil)
			}
			name, err := decodeUTF16(rec[nameOff : nameOff+nameLen*2])
			if err != nil {
				return nil, Input(KindInvalidData, op, err)
			}
			e.Name = name
		}
		out = append(out, e)
		offset += length
	}
	return out, nil
}

// mftVector is the §4.7 vector-of-entries over MFT record 0's default
// $DATA stream, with an indexed cache and a single-entry cache reserved for
// the attribute-list walker. The indexed cache evicts in insertion (FIFO)
// order: a cache hit does not refresh an entry's position.
type mftVector struct {
	vol        *Volume
	stream     *Stream
	recordSize uint32

	mu       sync.RWMutex
	cache    map[uint64]*MFTEntry
	lru      []uint64 // FIFO eviction order, oldest first

	singleIdx   uint64
	singleEntry *MFTEntry
	haveSingle  bool

	attrListIndex map[FileReference][]FileReference // base -> extension refs
}

func newMFTVector(vol *Volume, stream *Stream, recordSize uint32) *mftVector {
	return &mftVector{
		vol:           vol,
		stream:        stream,
		recordSize:    recordSize,
		cache:         make(map[uint64]*MFTEntry),
		attrListIndex: make(map[FileReference][]FileReference),
	}
}

func (m *mftVector) numberOfEntries() uint64 {
	if m.recordSize == 0 {
		return 0
	}
	return uint64(m.stream.Size()) / uint64(m.recordSize)
}

// loadRaw reads and parses MFT entry i directly from the stream, bypassing
// every cache. Used by the attribute-list walker and by cache-miss loads.
func (m *mftVector) loadRaw(i uint64) (*MFTEntry, error) {
	if err := m.vol.checkAbort(); err != nil {
		return nil, err
	}
	buf := make([]byte, m.recordSize)
	off := int64(i) * int64(m.recordSize)
	if off+int64(m.recordSize) > m.stream.Size() {
		return nil, Input(KindOutOfBounds, "mftVector.loadRaw", nil)
	}
	// The stream's offset and block cache are shared state; the
	// attribute-list index build calls loadRaw from several goroutines.
	m.mu.Lock()
	_, err := m.stream.Seek(off, 0)
	if err == nil {
		_, err = ioReadFull(m.stream, buf)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return parseMFTEntry(buf, uint32(i), int(m.vol.bytesPerSector))
}

// singleCacheGet/Put serve the attribute-list walker: a record loaded while
// resolving another entry's attribute list must not evict entries useful to
// concurrent lookups in the main cache (spec.md §4.7).
func (m *mftVector) singleCacheGet(i uint64) (*MFTEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.haveSingle && m.singleIdx == i {
		return m.singleEntry, true
	}
	return nil, false
}

func (m *mftVector) singleCachePut(i uint64, e *MFTEntry) {
	m.mu.Lock()
	m.singleIdx = i
	m.singleEntry = e
	m.haveSingle = true
	m.mu.Unlock()
}

// loadForAttributeList loads entry i through the single-entry cache only,
// never touching the main indexed cache.
func (m *mftVector) loadForAttributeList(i uint64) (*MFTEntry, error) {
	if e, ok := m.singleCacheGet(i); ok {
		return e, nil
	}
	e, err := m.loadRaw(i)
	if err != nil {
		return nil, err
	}
	m.singleCachePut(i, e)
	return e, nil
}

// entry returns the base-record MFTEntry at index i, with its attribute
// list resolved (spec.md §4.7). Extension records cannot be resolved
// independently; if i names one, its raw (unresolved) form is returned as-is
// since it has no meaningful attribute list of its own to splice.
func (m *mftVector) entry(i uint64) (*MFTEntry, error) {
	m.mu.RLock()
	if e, ok := m.cache[i]; ok {
		m.mu.RUnlock()
		return e, nil
	}
	m.mu.RUnlock()

	e, err := m.loadRaw(i)
	if err != nil {
		return nil, err
	}

	if e.Signature != nil && !e.IsCorrupted && !e.IsEmpty && e.BaseRecordReference == 0 && e.ListAttribute != nil {
		if err := m.resolveAttributeList(e); err != nil {
			m.vol.diag.Warnf("mft entry %d: attribute-list resolution failed: %v", i, err)
			e.IsCorrupted = true
		}
	}
	e.AttributesRead = true

	m.mu.Lock()
	m.insertLocked(i, e)
	m.mu.Unlock()

	return e, nil
}

func (m *mftVector) insertLocked(i uint64, e *MFTEntry) {
	if cap := m.vol.mftCacheCapacity; cap > 0 && len(m.cache) >= cap {
		oldest := m.lru[0]
		m.lru = m.lru[1:]
		delete(m.cache, oldest)
	}
	m.cache[i] = e
	m.lru = append(m.lru, i)
}

// attributePiece is one record's contribution to a (type, name) attribute
// that spans multiple MFT records via an $ATTRIBUTE_LIST.
type attributePiece struct {
	attr Attribute
}

// resolveAttributeList decodes e's $ATTRIBUTE_LIST and splices in attributes
// that live in extension records, per spec.md §4.7 steps 1-4.
func (m *mftVector) resolveAttributeList(e *MFTEntry) error {
	var content []byte
	if e.ListAttribute.Resident {
		content = e.ListAttribute.Content
	} else {
		s, err := m.vol.streamForAttribute(e.ListAttribute)
		if err != nil {
			return err
		}
		content = make([]byte, s.Size())
		if _, err := ioReadFull(s, content); err != nil {
			return err
		}
	}

	listEntries, err := parseAttributeListEntries(content)
	if err != nil {
		return err
	}
	e.AttributeList = listEntries

	// Group pointers by (type, name): every piece of a logical attribute
	// split across extension records.
	type groupKey struct {
		typ  AttributeType
		name string
	}
	groups := make(map[groupKey][]AttributeListEntry)
	var order []groupKey
	for _, le := range listEntries {
		k := groupKey{le.Type, le.Name}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], le)
	}

	visited := map[uint64]bool{e.Index: true}
	chainLimit := m.vol.attributeListChainLimit

	for _, k := range order {
		pieces := groups[k]
		sort.Slice(pieces, func(i, j int) bool { return pieces[i].FirstVCN < pieces[j].FirstVCN })

		// Skip groups that resolve entirely to attributes already present
		// in the base record with FirstVCN 0 (the common single-piece case).
		allBase := true
		for _, p := range pieces {
			if p.FileReference.Index() != uint64(e.Index) {
				allBase = false
			}
		}
		if allBase {
			continue
		}

		var collected []attributePiece
		for _, p := range pieces {
			refIdx := p.FileReference.Index()
			if refIdx == uint64(e.Index) {
				for i := range e.Attributes {
					a := &e.Attributes[i]
					if a.Type == k.typ && a.Name == k.name {
						collected = append(collected, attributePiece{attr: *a})
						break
					}
				}
				continue
			}
			if visited[refIdx] {
				continue
			}
			if len(visited) >= chainLimit {
				m.vol.diag.Warnf("mft entry %d: attribute-list chain limit reached", e.Index)
				break
			}
			visited[refIdx] = true

			ext, err := m.loadForAttributeList(refIdx)
			if err != nil {
				m.vol.diag.Warnf("mft entry %d: extension record %d unreadable: %v", e.Index, refIdx, err)
				continue
			}
			if !ext.BaseRecordReference.SameEntry(FileReference(uint64(e.Index))) {
				m.vol.diag.Warnf("mft entry %d: extension record %d does not point back to base, dropping orphan", e.Index, refIdx)
				continue
			}
			if ext.SequenceNumber != p.FileReference.Sequence() {
				m.vol.diag.Warnf("mft entry %d: extension record %d sequence number does not match its $ATTRIBUTE_LIST reference, dropping", e.Index, refIdx)
				continue
			}
			for i := range ext.Attributes {
				a := &ext.Attributes[i]
				if a.Type == k.typ && a.Name == k.name {
					collected = append(collected, attributePiece{attr: *a})
				}
			}
		}

		if len(collected) == 0 {
			continue
		}
		merged := mergeAttributePieces(collected)
		mergeAttributeIntoEntry(e, merged)
	}

	m.checkAttributeListCoverage(e, visited)

	classifyAttributes(e)
	return nil
}

// checkAttributeListCoverage cross-checks the attribute list just walked
// against the process-level index built at open (spec.md §4.7): any record
// that named e as its base but was never reached through e's own
// $ATTRIBUTE_LIST is a silently dropped extension, worth a warning.
func (m *mftVector) checkAttributeListCoverage(e *MFTEntry, visited map[uint64]bool) {
	self := NewFileReference(uint64(e.Index), e.SequenceNumber)
	for _, ext := range m.attrListIndex[self] {
		if !visited[ext.Index()] {
			m.vol.diag.Warnf("mft entry %d: extension record %d claims this base but is absent from its $ATTRIBUTE_LIST", e.Index, ext.Index())
		}
	}
}

// mergeAttributePieces concatenates the extents of same-(type,name) pieces
// in FirstVCN order, taking size fields from the FirstVCN==0 piece per
// spec.md §4.7's pairing invariant.
func mergeAttributePieces(pieces []attributePiece) Attribute {
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].attr.FirstVCN < pieces[j].attr.FirstVCN })
	merged := pieces[0].attr
	for _, p := range pieces[1:] {
		merged.Extents = append(merged.Extents, p.attr.Extents...)
		if p.attr.LastVCN > merged.LastVCN {
			merged.LastVCN = p.attr.LastVCN
		}
	}
	return merged
}

// mergeAttributeIntoEntry replaces e's existing same-(type,name) attribute
// with merged, or appends it if none existed in the base record.
func mergeAttributeIntoEntry(e *MFTEntry, merged Attribute) {
	for i := range e.Attributes {
		if e.Attributes[i].Type == merged.Type && e.Attributes[i].Name == merged.Name {
			e.Attributes[i] = merged
			return
		}
	}
	e.Attributes = append(e.Attributes, merged)
}

// classifyAttributes rebuilds e's convenience indices from its (possibly
// attribute-list-extended) Attributes slice, per spec.md §4.2 step 5's
// classification rules.
func classifyAttributes(e *MFTEntry) {
	e.StandardInformationIndex = -1
	e.FileNameIndex = -1
	e.ReparsePointIndex = -1
	e.SecurityDescriptorIndex = -1
	e.VolumeInformationIndex = -1
	e.VolumeNameIndex = -1
	e.DefaultDataIndex = -1
	e.WofCompressedDataIndex = -1
	e.AlternateDataAttributes = nil
	e.HasI30Index = false

	for idx := range e.Attributes {
		attr := &e.Attributes[idx]
		switch attr.Type {
		case AttributeStandardInformation:
			if e.StandardInformationIndex == -1 {
				e.StandardInformationIndex = idx
			}
		case AttributeFileName:
			if e.FileNameIndex == -1 {
				e.FileNameIndex = idx
			}
		case AttributeReparsePoint:
			if e.ReparsePointIndex == -1 {
				e.ReparsePointIndex = idx
			}
		case AttributeSecurityDescriptor:
			if e.SecurityDescriptorIndex == -1 {
				e.SecurityDescriptorIndex = idx
			}
		case AttributeVolumeInformation:
			if e.VolumeInformationIndex == -1 {
				e.VolumeInformationIndex = idx
			}
		case AttributeVolumeName:
			if e.VolumeNameIndex == -1 {
				e.VolumeNameIndex = idx
			}
		case AttributeIndexRoot, AttributeIndexAllocation:
			if attr.Name == "$I30" {
				e.HasI30Index = true
			}
		case AttributeData:
			if attr.Name == "" {
				if e.DefaultDataIndex == -1 {
					e.DefaultDataIndex = idx
				}
			} else if attr.Name == "WofCompressedData" {
				if e.WofCompressedDataIndex == -1 {
					e.WofCompressedDataIndex = idx
				}
				e.AlternateDataAttributes = append(e.AlternateDataAttributes, idx)
			} else {
				e.AlternateDataAttributes = append(e.AlternateDataAttributes, idx)
			}
		}
	}
}

// buildAttributeListIndex walks every MFT record once at open, recording
// every extension record's file reference under its base, per spec.md §4.7's
// process-level index. Shards the walk with errgroup, matching the teacher's
// cmd/distri/builder.go fan-out idiom.
func (m *mftVector) buildAttributeListIndex() error {
	total := m.numberOfEntries()
	if total == 0 {
		return nil
	}

	const shardCount = 8
	shardSize := (total + shardCount - 1) / shardCount

	var mu sync.Mutex
	g := new(errgroup.Group)
	for s := uint64(0); s < total; s += shardSize {
		start := s
		end := start + shardSize
		if end > total {
			end = total
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := m.vol.checkAbort(); err != nil {
					return err
				}
				e, err := m.loadRaw(i)
				if err != nil {
					m.vol.diag.Warnf("mft entry %d: unreadable during attribute-list index build: %v", i, err)
					continue
				}
				if e.BaseRecordReference == 0 {
					continue
				}
				self := NewFileReference(i, e.SequenceNumber)
				mu.Lock()
				m.attrListIndex[e.BaseRecordReference] = append(m.attrListIndex[e.BaseRecordReference], self)
				mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}
