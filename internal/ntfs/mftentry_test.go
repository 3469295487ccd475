package ntfs

import (
	"encoding/binary"
	"testing"
)

// putResidentAttrHeader writes a resident attribute's common header fields
// into b[0:], with the content length and offset the caller passes.
func putResidentAttrHeader(b []byte, typ AttributeType, totalLen uint32, contentLen uint32, contentOff uint16) {
	binary.LittleEndian.PutUint32(b[attrHdrType:], uint32(typ))
	binary.LittleEndian.PutUint32(b[attrHdrLength:], totalLen)
	b[attrHdrNonResident] = 0
	b[attrHdrNameLength] = 0
	binary.LittleEndian.PutUint16(b[attrHdrNameOffset:], 0)
	binary.LittleEndian.PutUint16(b[attrHdrFlags:], 0)
	binary.LittleEndian.PutUint16(b[attrHdrID:], 0)
	binary.LittleEndian.PutUint32(b[attrResValueLength:], contentLen)
	binary.LittleEndian.PutUint16(b[attrResValueOffset:], contentOff)
}

// buildSyntheticRecord assembles a record-size buffer containing a resident
// $STANDARD_INFORMATION and a resident $FILE_NAME naming parent/name,
// terminated by the end-of-attributes marker (spec.md §4.2).
func buildSyntheticRecord(recordSize int, sequenceNumber uint16, flags uint16, parent FileReference, name string) []byte {
	data := make([]byte, recordSize)
	copy(data[mftHeaderSignature:], signatureFILE)
	binary.LittleEndian.PutUint16(data[mftHeaderUSAOffset:], 0x30)
	binary.LittleEndian.PutUint16(data[mftHeaderUSASize:], 0) // no fixup needed for this test
	binary.LittleEndian.PutUint16(data[mftHeaderSequenceNumber:], sequenceNumber)
	binary.LittleEndian.PutUint16(data[mftHeaderHardLinkCount:], 1)
	const firstAttrOffset = 0x38
	binary.LittleEndian.PutUint16(data[mftHeaderFirstAttrOffset:], firstAttrOffset)
	binary.LittleEndian.PutUint16(data[mftHeaderFlags:], flags)
	binary.LittleEndian.PutUint64(data[mftHeaderBaseRecordRef:], 0)
	binary.LittleEndian.PutUint16(data[mftHeaderNextAttrID:], 2)

	offset := firstAttrOffset

	// $STANDARD_INFORMATION: content is stdInfoMinSize (v1, no extension).
	const stdInfoContentLen = stdInfoMinSize
	const stdInfoContentOff = 0x18
	stdInfoTotalLen := uint32(stdInfoContentOff + stdInfoContentLen)
	putResidentAttrHeader(data[offset:], AttributeStandardInformation, stdInfoTotalLen, stdInfoContentLen, stdInfoContentOff)
	content := data[offset+stdInfoContentOff : offset+stdInfoContentOff+stdInfoContentLen]
	binary.LittleEndian.PutUint32(content[stdInfoAttributes:], uint32(FileAttributeDirectory))
	offset += int(stdInfoTotalLen)

	// $FILE_NAME.
	encodedName, _ := utf16le.NewEncoder().Bytes([]byte(name))
	fnContentLen := uint32(fileNameNameStart + len(encodedName))
	const fnContentOff = 0x18
	fnTotalLen := uint32(fnContentOff) + fnContentLen
	putResidentAttrHeader(data[offset:], AttributeFileName, fnTotalLen, fnContentLen, fnContentOff)
	fnContent := data[offset+fnContentOff : offset+fnContentOff+int(fnContentLen)]
	binary.LittleEndian.PutUint64(fnContent[fileNameParentRef:], uint64(parent))
	fnContent[fileNameNameLength] = byte(len(encodedName) / 2)
	fnContent[fileNameNameSpace] = byte(NameSpaceWin32)
	copy(fnContent[fileNameNameStart:], encodedName)
	offset += int(fnTotalLen)

	// End-of-attributes marker.
	binary.LittleEndian.PutUint32(data[offset:], uint32(AttributeEndOfList))
	offset += 4

	binary.LittleEndian.PutUint32(data[mftHeaderUsedSize:], uint32(offset))
	binary.LittleEndian.PutUint32(data[mftHeaderAllocatedSize:], uint32(recordSize))

	return data
}

func TestParseMFTEntryDecodesHeaderAndAttributes(t *testing.T) {
	parent := NewFileReference(5, 1)
	data := buildSyntheticRecord(1024, 3, mftFlagInUse|mftFlagIsDirectory, parent, "test.txt")

	e, err := parseMFTEntry(data, 42, 512)
	if err != nil {
		t.Fatalf("parseMFTEntry failed: %v", err)
	}
	if e.Index != 42 {
		t.Errorf("Index = %d, want 42", e.Index)
	}
	if e.SequenceNumber != 3 {
		t.Errorf("SequenceNumber = %d, want 3", e.SequenceNumber)
	}
	if !e.InUse || !e.IsDirectory {
		t.Errorf("InUse/IsDirectory = %v/%v, want true/true", e.InUse, e.IsDirectory)
	}
	if e.IsCorrupted || e.IsEmpty {
		t.Errorf("IsCorrupted/IsEmpty = %v/%v, want false/false", e.IsCorrupted, e.IsEmpty)
	}
	if e.StandardInformationIndex == -1 || e.FileNameIndex == -1 {
		t.Fatalf("StandardInformationIndex/FileNameIndex = %d/%d, want both present", e.StandardInformationIndex, e.FileNameIndex)
	}

	si, err := parseStandardInformation(e.Attributes[e.StandardInformationIndex].Content)
	if err != nil {
		t.Fatalf("parseStandardInformation failed: %v", err)
	}
	if !si.FileAttributes.Is(FileAttributeDirectory) {
		t.Error("StandardInformation.FileAttributes missing FileAttributeDirectory")
	}

	fnv, err := parseFileNameValues(e.Attributes[e.FileNameIndex].Content)
	if err != nil {
		t.Fatalf("parseFileNameValues failed: %v", err)
	}
	if fnv.Name != "test.txt" {
		t.Errorf("FileNameValues.Name = %q, want %q", fnv.Name, "test.txt")
	}
	if fnv.ParentReference != parent {
		t.Errorf("FileNameValues.ParentReference = %v, want %v", fnv.ParentReference, parent)
	}
}

func TestParseMFTEntryEmptyRecord(t *testing.T) {
	data := make([]byte, 1024) // all zero: neither FILE nor BAAD signature
	e, err := parseMFTEntry(data, 7, 512)
	if err != nil {
		t.Fatalf("parseMFTEntry(all-zero) failed: %v", err)
	}
	if !e.IsEmpty {
		t.Error("IsEmpty = false, want true for an all-zero record")
	}
}

func TestParseMFTEntryBAADRecord(t *testing.T) {
	data := make([]byte, 1024)
	copy(data, signatureBAAD)
	e, err := parseMFTEntry(data, 9, 512)
	if err != nil {
		t.Fatalf("parseMFTEntry(BAAD) failed: %v", err)
	}
	if !e.IsCorrupted {
		t.Error("IsCorrupted = false, want true for a BAAD-signed record")
	}
}

func TestParseMFTEntryTooShort(t *testing.T) {
	if _, err := parseMFTEntry(make([]byte, 8), 0, 512); err == nil {
		t.Error("parseMFTEntry(short buffer) succeeded, want error")
	}
}
