package ntfs

import "encoding/binary"

// $FILE_NAME attribute content offsets (spec.md §3/§4.9).
const (
	fileNameParentRef     = 0x00
	fileNameCreated       = 0x08
	fileNameModified      = 0x10
	fileNameMFTModified   = 0x18
	fileNameAccessed      = 0x20
	fileNameAllocatedSize = 0x28
	fileNameDataSize      = 0x30
	fileNameAttributes    = 0x38
	fileNameNameLength    = 0x40
	fileNameNameSpace     = 0x41
	fileNameNameStart     = 0x42
)

// parseFileNameValues decodes one $FILE_NAME attribute's content.
func parseFileNameValues(b []byte) (FileNameValues, error) {
	if len(b) < fileNameNameStart {
		return FileNameValues{}, Input(KindInvalidData, "parseFileNameValues", nil)
	}
	nameLen := int(b[fileNameNameLength])
	end := fileNameNameStart + nameLen*2
	if end > len(b) {
		return FileNameValues{}, Input(KindInvalidData, "parseFileNameValues", nil)
	}
	name, err := decodeUTF16(b[fileNameNameStart:end])
	if err != nil {
		return FileNameValues{}, Input(KindInvalidData, "parseFileNameValues", err)
	}
	return FileNameValues{
		ParentReference: FileReference(binary.LittleEndian.Uint64(b[fileNameParentRef:])),
		Timestamps: Timestamps{
			Created:     filetimeToTime(binary.LittleEndian.Uint64(b[fileNameCreated:])),
			Modified:    filetimeToTime(binary.LittleEndian.Uint64(b[fileNameModified:])),
			MFTModified: filetimeToTime(binary.LittleEndian.Uint64(b[fileNameMFTModified:])),
			Accessed:    filetimeToTime(binary.LittleEndian.Uint64(b[fileNameAccessed:])),
		},
		AllocatedSize:  binary.LittleEndian.Uint64(b[fileNameAllocatedSize:]),
		LogicalSize:    binary.LittleEndian.Uint64(b[fileNameDataSize:]),
		FileAttributes: FileAttributeFlags(binary.LittleEndian.Uint32(b[fileNameAttributes:])),
		NameSpace:      NameSpace(b[fileNameNameSpace]),
		Name:           name,
	}, nil
}

// $STANDARD_INFORMATION attribute content offsets.
const (
	stdInfoCreated      = 0x00
	stdInfoModified     = 0x08
	stdInfoMFTModified  = 0x10
	stdInfoAccessed     = 0x18
	stdInfoAttributes   = 0x20
	stdInfoMinSize      = 0x30
	// v3 (NTFS >= 3.0) fields, present when content is >= 72 bytes
	// (SPEC_FULL.md §10, cross-checked against libfsntfs_mft_entry.h).
	stdInfoOwnerID      = 0x38
	stdInfoSecurityID   = 0x3C
	stdInfoQuotaCharged = 0x40
	stdInfoUSN          = 0x48
	stdInfoV3Size       = 0x48
)

// StandardInformation is the decoded content of a $STANDARD_INFORMATION
// attribute, including the NTFS >= 3.0 owner/security/quota/USN extension
// (SPEC_FULL.md §10).
type StandardInformation struct {
	Timestamps     Timestamps
	FileAttributes FileAttributeFlags
	HasExtended    bool
	OwnerID        uint32
	SecurityID     uint32
	QuotaCharged   uint64
	USN            uint64
}

func parseStandardInformation(b []byte) (StandardInformation, error) {
	if len(b) < stdInfoMinSize {
		return StandardInformation{}, Input(KindInvalidData, "parseStandardInformation", nil)
	}
	si := StandardInformation{
		Timestamps: Timestamps{
			Created:     filetimeToTime(binary.LittleEndian.Uint64(b[stdInfoCreated:])),
			Modified:    filetimeToTime(binary.LittleEndian.Uint64(b[stdInfoModified:])),
			MFTModified: filetimeToTime(binary.LittleEndian.Uint64(b[stdInfoMFTModified:])),
			Accessed:    filetimeToTime(binary.LittleEndian.Uint64(b[stdInfoAccessed:])),
		},
		FileAttributes: FileAttributeFlags(binary.LittleEndian.Uint32(b[stdInfoAttributes:])),
	}
	if len(b) >= stdInfoV3Size {
		si.HasExtended = true
		si.OwnerID = binary.LittleEndian.Uint32(b[stdInfoOwnerID:])
		si.SecurityID = binary.LittleEndian.Uint32(b[stdInfoSecurityID:])
		si.QuotaCharged = binary.LittleEndian.Uint64(b[stdInfoQuotaCharged:])
		si.USN = binary.LittleEndian.Uint64(b[stdInfoUSN:])
	}
	return si, nil
}

// DirectoryTree is a directory's $I30 index specialized with the rules of
// spec.md §4.9: "." dropped, DOS short names folded into their WIN32
// counterpart, never surfaced independently.
type DirectoryTree struct {
	idx      *Index
	foldCase bool

	// shortNames maps a file reference to its DOS-namespace FileNameValues,
	// populated during the first full walk (NumberOfEntries/EntryByIndex) and
	// consulted when materializing a WIN32 entry.
	shortNames map[FileReference]FileNameValues

	entries     []DirectoryEntry // lazily built, stable B+-tree in-order
	entriesBuilt bool
}

func newDirectoryTree(idx *Index, foldCase bool) *DirectoryTree {
	return &DirectoryTree{idx: idx, foldCase: foldCase, shortNames: make(map[FileReference]FileNameValues)}
}

// build walks the full index once, applying the DOS/WIN32 pairing rule
// (spec.md §4.9, §8 "DOS/Win32 pairing").
func (t *DirectoryTree) build() error {
	if t.entriesBuilt {
		return nil
	}

	type rawEntry struct {
		ref  FileReference
		fnv  FileNameValues
	}
	var raws []rawEntry

	it := t.idx.Iterate()
	for it.Next() {
		v := it.Value()
		fnv, err := parseFileNameValues(v.KeyBytes)
		if err != nil {
			continue // corrupted entry: skip, keep going (spec.md §4.8 failure policy)
		}
		if fnv.Name == "." && len(fnv.Name) == 1 {
			continue
		}
		if fnv.NameSpace == NameSpaceDOS {
			if existing, ok := t.shortNames[v.FileReference]; ok {
				t.idx.vol.diag.Warnf("directory entry for %v: duplicate DOS short name, keeping first (%s)", v.FileReference, existing.Name)
				continue
			}
			t.shortNames[v.FileReference] = fnv
			continue
		}
		raws = append(raws, rawEntry{ref: v.FileReference, fnv: fnv})
	}
	if err := it.Err(); err != nil {
		return err
	}

	t.entries = make([]DirectoryEntry, 0, len(raws))
	for _, r := range raws {
		de := DirectoryEntry{FileReference: r.ref, LongName: r.fnv}
		if short, ok := t.shortNames[r.ref]; ok {
			s := short
			de.ShortName = &s
		}
		t.entries = append(t.entries, de)
	}
	t.entriesBuilt = true
	return nil
}

// NumberOfEntries returns the number of directory entries (DOS-only short
// names excluded), per spec.md §4.9.
func (t *DirectoryTree) NumberOfEntries() (int, error) {
	if err := t.build(); err != nil {
		return 0, err
	}
	return len(t.entries), nil
}

// EntryByIndex returns the i'th entry in stable B+-tree in-order.
func (t *DirectoryTree) EntryByIndex(i int) (*DirectoryEntry, error) {
	if err := t.build(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(t.entries) {
		return nil, Argument(KindOutOfBounds, "DirectoryTree.EntryByIndex", nil)
	}
	e := t.entries[i]
	return &e, nil
}

// EntryByNameUTF8 looks up name (case-folded per the underlying Index's
// foldCase setting) in O(log n).
func (t *DirectoryTree) EntryByNameUTF8(name string) (*DirectoryEntry, error) {
	return t.entryByName(name)
}

// EntryByNameUTF16 looks up a UTF-16 code-unit name.
func (t *DirectoryTree) EntryByNameUTF16(name []uint16) (*DirectoryEntry, error) {
	s, err := utf16ToString(name)
	if err != nil {
		return nil, Input(KindInvalidData, "DirectoryTree.EntryByNameUTF16", err)
	}
	return t.entryByName(s)
}

func (t *DirectoryTree) entryByName(name string) (*DirectoryEntry, error) {
	key := synthesizeFileNameKey(name)
	v, err := t.idx.Lookup(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	fnv, err := parseFileNameValues(v.KeyBytes)
	if err != nil {
		return nil, err
	}
	if fnv.NameSpace == NameSpaceDOS {
		// A direct collation hit landing on a DOS entry means the caller
		// looked up the short name directly; surface the paired WIN32 name
		// instead so callers never see a DOS-only entry (spec.md §4.9).
		if err := t.build(); err != nil {
			return nil, err
		}
		for i := range t.entries {
			if t.entries[i].FileReference == v.FileReference {
				e := t.entries[i]
				return &e, nil
			}
		}
		return nil, nil
	}
	de := DirectoryEntry{FileReference: v.FileReference, LongName: fnv}
	if err := t.build(); err != nil {
		return nil, err
	}
	if short, ok := t.shortNames[v.FileReference]; ok {
		s := short
		de.ShortName = &s
	}
	return &de, nil
}

// synthesizeFileNameKey builds a minimal $FILE_NAME-shaped key blob (just
// enough for compareKeys' fileNameKeyName to decode the Name back out) for a
// Lookup() call against a file_name-collated index.
func synthesizeFileNameKey(name string) []byte {
	encoded, _ := utf16le.NewEncoder().Bytes([]byte(name))
	b := make([]byte, fileNameNameStart+len(encoded))
	b[fileNameNameLength] = byte(len(encoded) / 2)
	copy(b[fileNameNameStart:], encoded)
	return b
}

func utf16ToString(u []uint16) (string, error) {
	b := make([]byte, len(u)*2)
	for i, c := range u {
		b[2*i] = byte(c)
		b[2*i+1] = byte(c >> 8)
	}
	return decodeUTF16(b)
}
