package ntfs

// FileEntry is the per-MFT-record facade of spec.md §4.11: timestamps and
// name from $STANDARD_INFORMATION/$FILE_NAME, reparse data, security
// descriptor, default $DATA, named alternate data streams, and child
// iteration for directories.
type FileEntry struct {
	vol   *Volume
	entry *MFTEntry
}

func newFileEntry(vol *Volume, entry *MFTEntry) *FileEntry {
	vol.acquireHandle()
	return &FileEntry{vol: vol, entry: entry}
}

// Close releases this facade's reference on the volume. It does not close
// the volume itself; it only allows Volume.Close to succeed once every
// facade obtained from it has been closed (spec.md §5). Safe to call at most
// once per facade.
func (e *FileEntry) Close() error {
	e.vol.releaseHandle()
	return nil
}

// FileReference returns this entry's 64-bit file reference (sequence number
// from the record header, index from its position in the MFT).
func (e *FileEntry) FileReference() FileReference {
	return NewFileReference(uint64(e.entry.Index), e.entry.SequenceNumber)
}

// ParentFileReference returns the parent directory reference recorded in the
// first $FILE_NAME attribute.
func (e *FileEntry) ParentFileReference() (FileReference, error) {
	fnv, err := e.firstFileNameValues()
	if err != nil {
		return 0, err
	}
	return fnv.ParentReference, nil
}

// firstFileNameValues decodes the first $FILE_NAME attribute (spec.md §4.2
// step 5: "the first $FILE_NAME is recorded, for parent reference").
func (e *FileEntry) firstFileNameValues() (FileNameValues, error) {
	if e.entry.FileNameIndex == -1 {
		return FileNameValues{}, Input(KindValueMissing, "FileEntry.firstFileNameValues", nil)
	}
	return parseFileNameValues(e.entry.Attributes[e.entry.FileNameIndex].Content)
}

// preferredFileNameValues picks the best $FILE_NAME instance for display,
// preferring WIN32 (and WIN32_AND_DOS), then POSIX, then DOS (spec.md §4.11).
func (e *FileEntry) preferredFileNameValues() (FileNameValues, error) {
	var best *FileNameValues
	bestRank := -1
	rank := func(ns NameSpace) int {
		switch ns {
		case NameSpaceWin32, NameSpaceWin32AndDOS:
			return 3
		case NameSpacePOSIX:
			return 2
		case NameSpaceDOS:
			return 1
		}
		return 0
	}
	for i := range e.entry.Attributes {
		if e.entry.Attributes[i].Type != AttributeFileName {
			continue
		}
		fnv, err := parseFileNameValues(e.entry.Attributes[i].Content)
		if err != nil {
			continue
		}
		if r := rank(fnv.NameSpace); r > bestRank {
			bestRank = r
			f := fnv
			best = &f
		}
	}
	if best == nil {
		return FileNameValues{}, Input(KindValueMissing, "FileEntry.preferredFileNameValues", nil)
	}
	return *best, nil
}

// Name returns the preferred long name, per spec.md §4.11.
func (e *FileEntry) Name() string {
	fnv, err := e.preferredFileNameValues()
	if err != nil {
		return ""
	}
	return fnv.Name
}

// Timestamps returns the four timestamps, preferring
// $STANDARD_INFORMATION and falling back to the first $FILE_NAME.
func (e *FileEntry) Timestamps() Timestamps {
	if e.entry.StandardInformationIndex != -1 {
		si, err := parseStandardInformation(e.entry.Attributes[e.entry.StandardInformationIndex].Content)
		if err == nil {
			return si.Timestamps
		}
	}
	if fnv, err := e.firstFileNameValues(); err == nil {
		return fnv.Timestamps
	}
	return Timestamps{}
}

// Flags returns the FILE_ATTRIBUTE_* bitmask, preferring
// $STANDARD_INFORMATION and falling back to the first $FILE_NAME.
func (e *FileEntry) Flags() FileAttributeFlags {
	if e.entry.StandardInformationIndex != -1 {
		si, err := parseStandardInformation(e.entry.Attributes[e.entry.StandardInformationIndex].Content)
		if err == nil {
			return si.FileAttributes
		}
	}
	if fnv, err := e.firstFileNameValues(); err == nil {
		return fnv.FileAttributes
	}
	return 0
}

// Size returns the default $DATA stream's logical size, or 0 when the entry
// has no default stream (directories included).
func (e *FileEntry) Size() uint64 {
	if e.entry.DefaultDataIndex != -1 {
		return e.entry.Attributes[e.entry.DefaultDataIndex].DataSize
	}
	return 0
}

// IsDirectory reports the record header's directory flag.
func (e *FileEntry) IsDirectory() bool { return e.entry.IsDirectory }

// directoryIndex builds the $I30 index over this entry, per spec.md §4.9.
func (e *FileEntry) directoryIndex() (*Index, error) {
	if !e.entry.IsDirectory || !e.entry.HasI30Index {
		return nil, Input(KindUnsupportedValue, "FileEntry.directoryIndex", nil)
	}
	var root, allocation, bitmap *Attribute
	for i := range e.entry.Attributes {
		a := &e.entry.Attributes[i]
		if a.Name != "$I30" {
			continue
		}
		switch a.Type {
		case AttributeIndexRoot:
			root = a
		case AttributeIndexAllocation:
			allocation = a
		case AttributeBitmap:
			bitmap = a
		}
	}
	foldCase := !e.caseSensitive()
	return newIndex(e.vol, root, allocation, bitmap, CollationFileName, foldCase)
}

// caseSensitive reports whether this directory's $STANDARD_INFORMATION flags
// mark it case-sensitive (spec.md §4.8's collation tie-break rule). The
// real NTFS flag lives outside FILE_ATTRIBUTE_*; absent a dedicated field in
// this port's $STANDARD_INFORMATION decode, directories default to
// case-insensitive, matching ordinary Windows behavior.
func (e *FileEntry) caseSensitive() bool { return false }

// DirectoryIterator walks a directory's entries in stable B+-tree in-order
// (spec.md §4.9).
type DirectoryIterator struct {
	tree *DirectoryTree
	pos  int
	n    int
}

// Next advances the iterator; false at end-of-directory.
func (it *DirectoryIterator) Next() bool {
	if it.pos >= it.n {
		return false
	}
	it.pos++
	return true
}

// Value returns the entry most recently yielded by Next.
func (it *DirectoryIterator) Value() (*DirectoryEntry, error) {
	return it.tree.EntryByIndex(it.pos - 1)
}

// Children returns an iterator over this directory's entries.
func (e *FileEntry) Children() (*DirectoryIterator, error) {
	idx, err := e.directoryIndex()
	if err != nil {
		return nil, err
	}
	tree := newDirectoryTree(idx, e.caseSensitive())
	n, err := tree.NumberOfEntries()
	if err != nil {
		return nil, err
	}
	return &DirectoryIterator{tree: tree, n: n}, nil
}

// ChildByNameUTF8 looks up name directly, in O(log n).
func (e *FileEntry) ChildByNameUTF8(name string) (*DirectoryEntry, error) {
	idx, err := e.directoryIndex()
	if err != nil {
		return nil, err
	}
	tree := newDirectoryTree(idx, e.caseSensitive())
	return tree.EntryByNameUTF8(name)
}

// OpenDataStream opens the default unnamed $DATA stream, transparently
// decompressing it when its data runs carry compression-unit tagging
// (spec.md §4.6). The reparse point is not consulted here: the default
// stream is never redirected to a WofCompressedData stream, which is only
// reachable by name through OpenAlternateDataStreamByUTF8Name.
func (e *FileEntry) OpenDataStream() (*Stream, error) {
	if e.entry.DefaultDataIndex == -1 {
		return nil, Input(KindValueMissing, "FileEntry.OpenDataStream", nil)
	}
	attr := &e.entry.Attributes[e.entry.DefaultDataIndex]
	return e.openStream(attr)
}

// AlternateDataStreamNames lists this entry's named $DATA streams
// (WofCompressedData included, matching spec.md §3's alternate_data_attributes).
func (e *FileEntry) AlternateDataStreamNames() []string {
	names := make([]string, 0, len(e.entry.AlternateDataAttributes))
	for _, i := range e.entry.AlternateDataAttributes {
		names = append(names, e.entry.Attributes[i].Name)
	}
	return names
}

// OpenAlternateDataStreamByUTF8Name opens the named $DATA stream.
func (e *FileEntry) OpenAlternateDataStreamByUTF8Name(name string) (*Stream, error) {
	for _, i := range e.entry.AlternateDataAttributes {
		if e.entry.Attributes[i].Name == name {
			return e.openStream(&e.entry.Attributes[i])
		}
	}
	return nil, Input(KindValueMissing, "FileEntry.OpenAlternateDataStreamByUTF8Name", nil)
}

// openStream builds a plain Stream over attr, or, for the
// WofCompressedData stream paired with a recognized reparse tag, a
// decompressedStream wrapped to satisfy the same Stream-shaped contract.
func (e *FileEntry) openStream(attr *Attribute) (*Stream, error) {
	if attr.IsCompressed() {
		decompressor, ok := e.vol.ntfsDecompressorFor(e.entry)
		if !ok {
			return nil, Compression(KindUnsupportedValue, "FileEntry.openStream", nil)
		}
		return e.vol.decompressedStreamForAttribute(attr, decompressor)
	}
	if attr.Name == "WofCompressedData" {
		rp, err := e.ReparsePoint()
		if err == nil && rp != nil {
			if decompressor, ok := e.vol.decompressorForReparseTag(rp.Tag); ok {
				return e.vol.decompressedStreamForAttribute(attr, decompressor)
			}
		}
	}
	return e.vol.streamForAttribute(attr)
}

// ReparsePoint returns the decoded $REPARSE_POINT content, or nil if absent.
func (e *FileEntry) ReparsePoint() (*ReparsePoint, error) {
	if e.entry.ReparsePointIndex == -1 {
		return nil, nil
	}
	content := e.entry.Attributes[e.entry.ReparsePointIndex].Content
	if len(content) < 8 {
		return nil, Input(KindInvalidData, "FileEntry.ReparsePoint", nil)
	}
	tag := leUint32(content)
	dataLen := leUint16At(content, 4)
	if int(8+dataLen) > len(content) {
		return nil, Input(KindInvalidData, "FileEntry.ReparsePoint", nil)
	}
	return &ReparsePoint{Tag: tag, Payload: append([]byte(nil), content[8:8+int(dataLen)]...)}, nil
}

// SecurityDescriptor resolves this entry's security descriptor bytes
// through the volume's $SII/$Secure index, per spec.md §4.11.
func (e *FileEntry) SecurityDescriptor() ([]byte, error) {
	if e.entry.SecurityDescriptorIndex != -1 {
		return e.entry.Attributes[e.entry.SecurityDescriptorIndex].Content, nil
	}
	if e.entry.StandardInformationIndex == -1 {
		return nil, Input(KindValueMissing, "FileEntry.SecurityDescriptor", nil)
	}
	si, err := parseStandardInformation(e.entry.Attributes[e.entry.StandardInformationIndex].Content)
	if err != nil || !si.HasExtended {
		return nil, Input(KindValueMissing, "FileEntry.SecurityDescriptor", nil)
	}
	return e.vol.securityDescriptorByID(si.SecurityID)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint16At(b []byte, off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}
