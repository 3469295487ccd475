package ntfs

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
)

// MFT record header offsets (spec.md §4.2; cross-checked against
// other_examples/42ba60b1_t9t-gomft__mft-mft.go.go and
// original_source/libfsntfs).
const (
	mftHeaderSignature       = 0x00 // 4 bytes: "FILE" or "BAAD"
	mftHeaderUSAOffset       = 0x04 // uint16
	mftHeaderUSASize         = 0x06 // uint16, in 2-byte units incl. the USN itself
	mftHeaderLSN             = 0x08 // uint64
	mftHeaderSequenceNumber  = 0x10 // uint16
	mftHeaderHardLinkCount   = 0x12 // uint16
	mftHeaderFirstAttrOffset = 0x14 // uint16
	mftHeaderFlags           = 0x16 // uint16
	mftHeaderUsedSize        = 0x18 // uint32 ("ActualSize")
	mftHeaderAllocatedSize   = 0x1C // uint32
	mftHeaderBaseRecordRef   = 0x20 // uint64 (FileReference)
	mftHeaderNextAttrID      = 0x28 // uint16
	mftHeaderRecordIndex     = 0x2C // uint32, NTFS >= 3.1 only
	mftHeaderMinSize         = 0x2C
)

// Record header flag bits.
const (
	mftFlagInUse       = 0x0001
	mftFlagIsDirectory = 0x0002
)

var (
	signatureFILE = []byte("FILE")
	signatureBAAD = []byte("BAAD")
)

// Attribute is a decoded MFT attribute: either resident (Content holds the
// inline bytes) or non-resident (Extents holds the decoded data runs).
type Attribute struct {
	Type       AttributeType
	Name       string
	Resident   bool
	Flags      uint16
	AttributeID uint16

	// Resident
	Content []byte

	// Non-resident
	FirstVCN        uint64
	LastVCN         uint64
	AllocatedSize   uint64
	DataSize        uint64
	InitializedSize uint64
	CompressedSize  uint64
	CompressionUnitLog2 uint8
	Extents         []Extent

	// raw bytes of the whole attribute record, kept for $ATTRIBUTE_LIST /
	// $REPARSE_POINT re-parsing.
	raw []byte
}

// IsNamed reports whether this is a named attribute (e.g. an alternate data
// stream).
func (a *Attribute) IsNamed() bool { return a.Name != "" }

// IsCompressed reports whether this non-resident attribute's data runs
// contain compression-unit windows.
func (a *Attribute) IsCompressed() bool { return !a.Resident && a.CompressionUnitLog2 != 0 }

// MFTEntry is a decoded MFT record (spec.md §3).
type MFTEntry struct {
	Index uint32

	Signature     []byte // "FILE" or "BAAD"
	IsCorrupted   bool
	IsEmpty       bool
	InUse         bool
	IsDirectory   bool
	SequenceNumber uint16
	BaseRecordReference FileReference
	LogFileSequenceNumber uint64
	NextAttributeID uint16

	Data []byte // fixed-up record bytes, defensively copied

	Attributes []Attribute

	// ListAttribute is the raw $ATTRIBUTE_LIST attribute, if present.
	ListAttribute *Attribute

	// AttributeList is the resolved list of extension pointers; populated
	// lazily by the MFT vector (§4.7), not by parseMFTEntry itself.
	AttributeList []AttributeListEntry
	AttributesRead bool

	// Convenience indices into Attributes, -1 if absent.
	StandardInformationIndex int
	FileNameIndex            int
	ReparsePointIndex        int
	SecurityDescriptorIndex  int
	VolumeInformationIndex   int
	VolumeNameIndex          int
	DefaultDataIndex         int
	WofCompressedDataIndex   int

	AlternateDataAttributes []int // indices into Attributes

	HasI30Index bool
}

// AttributeListEntry is one decoded entry of an $ATTRIBUTE_LIST attribute
// (spec.md §3, §4.7).
type AttributeListEntry struct {
	Type          AttributeType
	Name          string
	FirstVCN      uint64
	FileReference FileReference
}

// recordSignature reports the 4-byte signature at the start of data.
func recordSignature(data []byte) []byte {
	if len(data) < 4 {
		return nil
	}
	return data[:4]
}

// parseMFTEntry decodes a single record-size buffer per spec.md §4.2. data is
// consumed for the duration of the call only; the returned MFTEntry owns a
// defensive copy (spec.md §9: buffers shared between fixup and parser must
// not outlive the caller unless copied).
func parseMFTEntry(data []byte, index uint32, sectorSize int) (*MFTEntry, error) {
	op := "parseMFTEntry"
	if len(data) < mftHeaderMinSize {
		return nil, Input(KindInvalidData, op, nil)
	}
	sig := recordSignature(data)

	e := &MFTEntry{
		Index:                    index,
		StandardInformationIndex: -1,
		FileNameIndex:            -1,
		ReparsePointIndex:        -1,
		SecurityDescriptorIndex:  -1,
		VolumeInformationIndex:   -1,
		VolumeNameIndex:          -1,
		DefaultDataIndex:         -1,
		WofCompressedDataIndex:   -1,
	}

	switch {
	case bytes.Equal(sig, signatureBAAD):
		e.Signature = signatureBAAD
		e.IsCorrupted = true
		e.Data = append([]byte(nil), data...)
		return e, nil

	case bytes.Equal(sig, signatureFILE):
		e.Signature = signatureFILE

	default:
		if isAllZero(data) {
			e.IsEmpty = true
			e.Data = append([]byte(nil), data...)
			return e, nil
		}
		return nil, Input(KindSignatureMismatch, op, nil)
	}

	usaOffset := int(readUint16At(data, mftHeaderUSAOffset))
	usaSize := int(readUint16At(data, mftHeaderUSASize))
	corrupted, err := applyFixup(data, usaOffset, usaSize, sectorSize)
	if err != nil {
		return nil, Input(KindChecksumMismatch, op, err)
	}
	e.IsCorrupted = corrupted

	e.Data = append([]byte(nil), data...)
	buf := e.Data

	e.SequenceNumber = readUint16At(buf, mftHeaderSequenceNumber)
	flags := readUint16At(buf, mftHeaderFlags)
	e.InUse = flags&mftFlagInUse != 0
	e.IsDirectory = flags&mftFlagIsDirectory != 0
	e.LogFileSequenceNumber = binary.LittleEndian.Uint64(buf[mftHeaderLSN:])
	e.BaseRecordReference = FileReference(binary.LittleEndian.Uint64(buf[mftHeaderBaseRecordRef:]))
	e.NextAttributeID = readUint16At(buf, mftHeaderNextAttrID)

	usedSize := binary.LittleEndian.Uint32(buf[mftHeaderUsedSize:])
	firstAttrOffset := int(readUint16At(buf, mftHeaderFirstAttrOffset))

	if usedSize == mftHeaderMinSize || firstAttrOffset >= len(buf) {
		e.IsEmpty = !e.InUse && firstAttrOffset >= len(buf)
	}

	if int(usedSize) > len(buf) {
		e.IsCorrupted = true
		usedSize = uint32(len(buf))
	}

	if err := e.parseAttributes(buf, firstAttrOffset, int(usedSize)); err != nil {
		e.IsCorrupted = true
	}

	if len(e.Attributes) == 0 && !e.InUse {
		e.IsEmpty = true
	}

	return e, nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// parseAttributes walks the attribute stream starting at firstAttrOffset,
// stopping at the end sentinel or usedSize, per spec.md §4.2 steps 3-7.
func (e *MFTEntry) parseAttributes(buf []byte, offset, usedSize int) error {
	standardInfoSeen := false

	for offset >= 0 && offset+8 <= usedSize && offset+8 <= len(buf) {
		typ := AttributeType(binary.LittleEndian.Uint32(buf[offset:]))
		if typ == AttributeEndOfList {
			break
		}
		length := binary.LittleEndian.Uint32(buf[offset+4:])
		if length < 16 || int(length) > len(buf)-offset || offset+int(length) > usedSize {
			return Input(KindInvalidData, "parseAttributes", nil)
		}

		attrBuf := buf[offset : offset+int(length)]
		attr, err := parseAttribute(attrBuf)
		if err != nil {
			return err
		}
		idx := len(e.Attributes)
		e.Attributes = append(e.Attributes, attr)

		switch attr.Type {
		case AttributeStandardInformation:
			if e.StandardInformationIndex == -1 {
				e.StandardInformationIndex = idx
			}
			standardInfoSeen = true
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
		case AttributeAttributeList:
			if e.ListAttribute == nil {
				a := e.Attributes[idx]
				e.ListAttribute = &a
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

		offset += int(length)
	}
	_ = standardInfoSeen
	return nil
}

// Attribute header offsets common to resident and non-resident forms.
const (
	attrHdrType        = 0x00
	attrHdrLength      = 0x04
	attrHdrNonResident = 0x08
	attrHdrNameLength  = 0x09
	attrHdrNameOffset  = 0x0A
	attrHdrFlags       = 0x0C
	attrHdrID          = 0x0E

	// resident
	attrResValueLength = 0x10
	attrResValueOffset = 0x14

	// non-resident
	attrNonResFirstVCN       = 0x10
	attrNonResLastVCN        = 0x18
	attrNonResRunsOffset     = 0x20
	attrNonResCompUnitLog2   = 0x22
	attrNonResAllocatedSize  = 0x28
	attrNonResDataSize       = 0x30
	attrNonResInitializedSz  = 0x38
	attrNonResCompressedSize = 0x40
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func decodeUTF16(b []byte) (string, error) {
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseAttribute decodes one attribute record (header + content), per
// spec.md §4.2/§4.4. b is the whole attribute record (header through its
// declared Length).
func parseAttribute(b []byte) (Attribute, error) {
	op := "parseAttribute"
	if len(b) < 16 {
		return Attribute{}, Input(KindInvalidData, op, nil)
	}

	a := Attribute{
		Type:        AttributeType(binary.LittleEndian.Uint32(b[attrHdrType:])),
		Resident:    b[attrHdrNonResident] == 0,
		Flags:       readUint16At(b, attrHdrFlags),
		AttributeID: readUint16At(b, attrHdrID),
		raw:         append([]byte(nil), b...),
	}

	nameLen := int(b[attrHdrNameLength])
	nameOff := int(readUint16At(b, attrHdrNameOffset))
	if nameLen > 0 {
		if nameOff+nameLen*2 > len(b) {
			return Attribute{}, Input(KindInvalidData, op, nil)
		}
		name, err := decodeUTF16(b[nameOff : nameOff+nameLen*2])
		if err != nil {
			return Attribute{}, Input(KindInvalidData, op, err)
		}
		a.Name = name
	}

	if a.Resident {
		if len(b) < attrResValueOffset+2 {
			return Attribute{}, Input(KindInvalidData, op, nil)
		}
		valLen := binary.LittleEndian.Uint32(b[attrResValueLength:])
		valOff := int(readUint16At(b, attrResValueOffset))
		if valOff < 0 || valOff+int(valLen) > len(b) {
			return Attribute{}, Input(KindInvalidData, op, nil)
		}
		a.Content = append([]byte(nil), b[valOff:valOff+int(valLen)]...)
		return a, nil
	}

	if len(b) < attrNonResAllocatedSize+24 {
		return Attribute{}, Input(KindInvalidData, op, nil)
	}
	a.FirstVCN = binary.LittleEndian.Uint64(b[attrNonResFirstVCN:])
	a.LastVCN = binary.LittleEndian.Uint64(b[attrNonResLastVCN:])
	a.CompressionUnitLog2 = uint8(readUint16At(b, attrNonResCompUnitLog2))
	a.AllocatedSize = binary.LittleEndian.Uint64(b[attrNonResAllocatedSize:])
	a.DataSize = binary.LittleEndian.Uint64(b[attrNonResDataSize:])
	a.InitializedSize = binary.LittleEndian.Uint64(b[attrNonResInitializedSz:])
	if a.CompressionUnitLog2 != 0 && len(b) >= attrNonResCompressedSize+8 {
		a.CompressedSize = binary.LittleEndian.Uint64(b[attrNonResCompressedSize:])
	}

	runsOffset := int(readUint16At(b, attrNonResRunsOffset))
	if runsOffset < 0 || runsOffset > len(b) {
		return Attribute{}, Input(KindInvalidData, op, nil)
	}
	clusterSizeHint := uint64(0) // decodeRuns does not use the cluster size
	extents, err := decodeRuns(b[runsOffset:], clusterSizeHint, a.CompressionUnitLog2)
	if err != nil {
		return Attribute{}, err
	}
	a.Extents = extents

	return a, nil
}
