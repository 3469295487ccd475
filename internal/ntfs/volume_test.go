package ntfs

// This file synthesizes a small NTFS image byte-for-byte (boot sector, MFT
// records, directory index, data runs) and drives OpenVolume end to end over
// it, in the spirit of the teacher's internal/squashfs/writer_test.go: build
// the on-disk structures with the same field layout the decoder expects, then
// exercise the public API against the assembled bytes instead of against
// hand-built in-memory structs.

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

const (
	testClusterSz  = 1024
	testBytesPerSector = 512
	testMFTStartCluster = 1
	testNumMFTRecords   = 16
	testNumClusters     = 24

	testIdxMFT        = 0
	testIdxSecure     = 9
	testIdxRoot       = 5
	testIdxExtRogue   = 10 // base_reference.Index()==0 but Sequence!=0: full-64-bit-zero check
	testIdxResident   = 11
	testIdxSparse     = 12
	testIdxCompressed = 13
	testIdxPaired     = 14
	testIdxExtension  = 15 // extension record pointing at testIdxResident
)

// --- record/attribute builders -------------------------------------------

// recordBuilder assembles one MFT-record-sized buffer attribute by
// attribute, in the teacher's fixed-offset-constant style (mftentry.go).
type recordBuilder struct {
	data   []byte
	offset int
	attrID uint16
}

func newRecordBuilder(recordSize int) *recordBuilder {
	return &recordBuilder{data: make([]byte, recordSize), offset: 0x38}
}

func (r *recordBuilder) addResident(typ AttributeType, name string, content []byte) {
	nameBytes, _ := utf16le.NewEncoder().Bytes([]byte(name))
	const headerSize = 0x18
	nameOffset := 0
	if len(nameBytes) > 0 {
		nameOffset = headerSize
	}
	contentOffset := headerSize + len(nameBytes)
	totalLen := contentOffset + len(content)

	b := r.data[r.offset : r.offset+totalLen]
	binary.LittleEndian.PutUint32(b[attrHdrType:], uint32(typ))
	binary.LittleEndian.PutUint32(b[attrHdrLength:], uint32(totalLen))
	b[attrHdrNonResident] = 0
	b[attrHdrNameLength] = byte(len(nameBytes) / 2)
	binary.LittleEndian.PutUint16(b[attrHdrNameOffset:], uint16(nameOffset))
	binary.LittleEndian.PutUint16(b[attrHdrFlags:], 0)
	binary.LittleEndian.PutUint16(b[attrHdrID:], r.attrID)
	binary.LittleEndian.PutUint32(b[attrResValueLength:], uint32(len(content)))
	binary.LittleEndian.PutUint16(b[attrResValueOffset:], uint16(contentOffset))
	if len(nameBytes) > 0 {
		copy(b[nameOffset:], nameBytes)
	}
	copy(b[contentOffset:], content)

	r.attrID++
	r.offset += totalLen
}

func (r *recordBuilder) addNonResident(typ AttributeType, dataSize, allocatedSize, initializedSize uint64, compUnitLog2 uint8, extents []Extent) {
	const headerSize = 0x48
	runs := encodeRuns(extents)
	totalLen := headerSize + len(runs)
	var lastVCN uint64
	for _, e := range extents {
		lastVCN += e.Length
	}
	if lastVCN > 0 {
		lastVCN--
	}

	b := r.data[r.offset : r.offset+totalLen]
	binary.LittleEndian.PutUint32(b[attrHdrType:], uint32(typ))
	binary.LittleEndian.PutUint32(b[attrHdrLength:], uint32(totalLen))
	b[attrHdrNonResident] = 1
	b[attrHdrNameLength] = 0
	binary.LittleEndian.PutUint16(b[attrHdrNameOffset:], 0)
	binary.LittleEndian.PutUint16(b[attrHdrFlags:], 0)
	binary.LittleEndian.PutUint16(b[attrHdrID:], r.attrID)
	binary.LittleEndian.PutUint64(b[attrNonResFirstVCN:], 0)
	binary.LittleEndian.PutUint64(b[attrNonResLastVCN:], lastVCN)
	binary.LittleEndian.PutUint16(b[attrNonResRunsOffset:], uint16(headerSize))
	binary.LittleEndian.PutUint16(b[attrNonResCompUnitLog2:], uint16(compUnitLog2))
	binary.LittleEndian.PutUint64(b[attrNonResAllocatedSize:], allocatedSize)
	binary.LittleEndian.PutUint64(b[attrNonResDataSize:], dataSize)
	binary.LittleEndian.PutUint64(b[attrNonResInitializedSz:], initializedSize)
	binary.LittleEndian.PutUint64(b[attrNonResCompressedSize:], allocatedSize)
	copy(b[headerSize:], runs)

	r.attrID++
	r.offset += totalLen
}

// finish writes the record header and the end-of-attributes marker. Unlike
// buildSyntheticRecord (mftentry_test.go), which counts the marker in
// usedSize, usedSize here stops just before the marker's own 4 bytes, so the
// attribute walk ends on usedSize rather than on AttributeEndOfList.
func (r *recordBuilder) finish(sequenceNumber uint16, flags uint16, baseRef FileReference) []byte {
	data := r.data
	copy(data[mftHeaderSignature:], signatureFILE)
	binary.LittleEndian.PutUint16(data[mftHeaderUSAOffset:], 0)
	binary.LittleEndian.PutUint16(data[mftHeaderUSASize:], 0) // no fixup needed for this test
	binary.LittleEndian.PutUint16(data[mftHeaderSequenceNumber:], sequenceNumber)
	binary.LittleEndian.PutUint16(data[mftHeaderHardLinkCount:], 1)
	binary.LittleEndian.PutUint16(data[mftHeaderFirstAttrOffset:], 0x38)
	binary.LittleEndian.PutUint16(data[mftHeaderFlags:], flags)
	binary.LittleEndian.PutUint64(data[mftHeaderBaseRecordRef:], uint64(baseRef))
	binary.LittleEndian.PutUint16(data[mftHeaderNextAttrID:], r.attrID)

	binary.LittleEndian.PutUint32(data[r.offset:], uint32(AttributeEndOfList))
	binary.LittleEndian.PutUint32(data[mftHeaderUsedSize:], uint32(r.offset))
	binary.LittleEndian.PutUint32(data[mftHeaderAllocatedSize:], uint32(len(data)))
	return data
}

// --- index entry / $INDEX_ROOT builders -----------------------------------

// idxEntryLast builds the IS_LAST sentinel every index node ends with.
func idxEntryLast() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[8:], 16)
	binary.LittleEndian.PutUint16(b[12:], indexEntryFlagIsLast)
	return b
}

// idxEntryFileName builds a $I30-style entry whose first 8 bytes alias ref
// directly (CollationFileName), with key as the raw $FILE_NAME key blob.
func idxEntryFileName(ref FileReference, key []byte) []byte {
	entryLen := 16 + len(key)
	b := make([]byte, entryLen)
	binary.LittleEndian.PutUint64(b[0:], uint64(ref))
	binary.LittleEndian.PutUint16(b[8:], uint16(entryLen))
	binary.LittleEndian.PutUint16(b[10:], uint16(len(key)))
	copy(b[16:], key)
	return b
}

// idxEntryValue builds a non-FileName-collation entry (e.g. $SII): the first
// 8 bytes are the {data_offset, data_length, reserved} union naming value's
// position within this same entry, per parseIndexEntries.
func idxEntryValue(key, value []byte) []byte {
	dataOffset := 16 + len(key)
	entryLen := dataOffset + len(value)
	b := make([]byte, entryLen)
	binary.LittleEndian.PutUint16(b[0:], uint16(dataOffset))
	binary.LittleEndian.PutUint16(b[2:], uint16(len(value)))
	binary.LittleEndian.PutUint16(b[8:], uint16(entryLen))
	binary.LittleEndian.PutUint16(b[10:], uint16(len(key)))
	copy(b[16:16+len(key)], key)
	copy(b[dataOffset:], value)
	return b
}

// buildIndexRootContent assembles an $INDEX_ROOT attribute's content: the
// 16-byte type/collation/record-size prefix, the 16-byte node header, and the
// caller's already-ordered entries, all resident (no $INDEX_ALLOCATION).
func buildIndexRootContent(indexedType AttributeType, idxRecSize uint32, entries [][]byte) []byte {
	var entryBytes []byte
	for _, e := range entries {
		entryBytes = append(entryBytes, e...)
	}

	const headerLen = 16
	nodeHeader := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(nodeHeader[0:], headerLen)
	binary.LittleEndian.PutUint32(nodeHeader[4:], uint32(headerLen+len(entryBytes)))
	binary.LittleEndian.PutUint32(nodeHeader[8:], uint32(headerLen+len(entryBytes)))

	prefix := make([]byte, 16)
	binary.LittleEndian.PutUint32(prefix[0:], uint32(indexedType))
	binary.LittleEndian.PutUint32(prefix[8:], idxRecSize)

	out := append(prefix, nodeHeader...)
	out = append(out, entryBytes...)
	return out
}

func stdInfoContent(flags FileAttributeFlags, extended bool, securityID uint32) []byte {
	size := stdInfoMinSize
	if extended {
		size = stdInfoUSN + 8
	}
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[stdInfoAttributes:], uint32(flags))
	if extended {
		binary.LittleEndian.PutUint32(b[stdInfoSecurityID:], securityID)
	}
	return b
}

// --- boot sector / image assembly -----------------------------------------

func buildBootSector(totalClusters int) []byte {
	b := make([]byte, 512)
	copy(b[bootOEMID:], []byte("NTFS    "))
	binary.LittleEndian.PutUint16(b[bootBytesPerSector:], testBytesPerSector)
	b[bootSectorsPerCluster] = testClusterSz / testBytesPerSector
	binary.LittleEndian.PutUint64(b[bootTotalSectors:], uint64(totalClusters*testClusterSz/testBytesPerSector))
	binary.LittleEndian.PutUint64(b[bootMFTCluster:], testMFTStartCluster)
	binary.LittleEndian.PutUint64(b[bootMFTMirrorCluster:], testMFTStartCluster)
	b[bootClustersPerMFTRec] = 1 // positive: clusters-per-record, => 1*1024 = 1024-byte records
	b[bootClustersPerIdxRec] = 1
	binary.LittleEndian.PutUint64(b[bootSerialNumber:], 0x0102030405060708)
	return b
}

func putCluster(img []byte, clusterIdx int, data []byte) {
	off := clusterIdx * testClusterSz
	copy(img[off:off+testClusterSz], data)
}

func putMFTRecord(img []byte, recordIdx int, data []byte) {
	putCluster(img, testMFTStartCluster+recordIdx, data)
}

// testFileRef mirrors the sequence number every synthetic record is built
// with, so callers don't have to repeat the literal.
func testFileRef(index uint64) FileReference { return NewFileReference(index, 1) }

const residentFileContent = "hello resident world"

// buildSyntheticVolumeImage assembles the whole image described in DESIGN.md:
// a 16-record MFT (clusters 1-16), a root directory indexing four visible
// children plus one DOS-only alias, a resident file, a sparse file, an
// LZNT1-style compressed file, a DOS/WIN32-paired file wired to a $Secure
// security descriptor, and two pathological extension records exercising the
// base-vs-extension classification fix.
func buildSyntheticVolumeImage() []byte {
	img := make([]byte, testNumClusters*testClusterSz)
	putCluster(img, 0, buildBootSector(testNumClusters))

	root := testFileRef(testIdxRoot)

	// MFT record 0 ($MFT itself): one non-resident $DATA run spanning the
	// 16 record-sized clusters the records below are written into.
	mft0 := newRecordBuilder(testClusterSz)
	mft0.addNonResident(AttributeData, uint64(testNumMFTRecords)*testClusterSz, uint64(testNumMFTRecords)*testClusterSz, uint64(testNumMFTRecords)*testClusterSz, 0,
		[]Extent{{HasLCN: true, LCN: testMFTStartCluster, Length: testNumMFTRecords}})
	putMFTRecord(img, testIdxMFT, mft0.finish(1, mftFlagInUse, 0))

	// Root directory ($I30 over four visible names; "LONGFI~1.TXT" is a
	// DOS-only alias of testIdxPaired and must not surface as its own entry).
	rootEntries := [][]byte{
		idxEntryFileName(testFileRef(testIdxCompressed), buildFileNameKey("COMPRESSED.BIN", NameSpaceWin32)),
		idxEntryFileName(testFileRef(testIdxPaired), buildFileNameKey("LONGFILENAME.TXT", NameSpaceWin32)),
		idxEntryFileName(testFileRef(testIdxPaired), buildFileNameKey("LONGFI~1.TXT", NameSpaceDOS)),
		idxEntryFileName(testFileRef(testIdxResident), buildFileNameKey("RESIDENT.TXT", NameSpaceWin32)),
		idxEntryFileName(testFileRef(testIdxSparse), buildFileNameKey("SPARSE.BIN", NameSpaceWin32)),
		idxEntryLast(),
	}
	rootRec := newRecordBuilder(testClusterSz)
	rootRec.addResident(AttributeStandardInformation, "", stdInfoContent(FileAttributeDirectory, false, 0))
	rootRec.addResident(AttributeIndexRoot, "$I30", buildIndexRootContent(AttributeFileName, testClusterSz, rootEntries))
	putMFTRecord(img, testIdxRoot, rootRec.finish(1, mftFlagInUse|mftFlagIsDirectory, 0))

	// $Secure: one $SII entry for security_id 5, pointing into $SDS at
	// offset 0, where a 20-byte duplicate header precedes the fake
	// self-relative descriptor payload (spec.md §4.10 step 5, §4.11).
	const secDataSize = 20 + 32
	siiKey := make([]byte, 4)
	binary.LittleEndian.PutUint32(siiKey, 5)
	siiValue := make([]byte, 20)
	binary.LittleEndian.PutUint32(siiValue[0:], 0xAAAAAAAA) // hash, unused by securityDescriptorByID
	binary.LittleEndian.PutUint32(siiValue[4:], 5)           // security_id, duplicated
	binary.LittleEndian.PutUint64(siiValue[8:], 0)           // data_offset into $SDS
	binary.LittleEndian.PutUint32(siiValue[16:], secDataSize)
	secureEntries := [][]byte{idxEntryValue(siiKey, siiValue), idxEntryLast()}

	sdsContent := make([]byte, secDataSize)
	binary.LittleEndian.PutUint32(sdsContent[0:], 0xAAAAAAAA)
	binary.LittleEndian.PutUint32(sdsContent[4:], 5)
	binary.LittleEndian.PutUint64(sdsContent[8:], 0)
	binary.LittleEndian.PutUint32(sdsContent[16:], secDataSize)
	descriptorPayload := bytes.Repeat([]byte{0xAA}, 32)
	copy(sdsContent[20:], descriptorPayload)

	secureRec := newRecordBuilder(testClusterSz)
	secureRec.addResident(AttributeIndexRoot, "$SII", buildIndexRootContent(AttributeSecurityDescriptor, testClusterSz, secureEntries))
	secureRec.addResident(AttributeData, "$SDS", sdsContent)
	putMFTRecord(img, testIdxSecure, secureRec.finish(1, mftFlagInUse, 0))

	// Resident file: RESIDENT.TXT, content fits inline.
	residentRec := newRecordBuilder(testClusterSz)
	residentRec.addResident(AttributeStandardInformation, "", stdInfoContent(FileAttributeArchive, false, 0))
	residentRec.addResident(AttributeFileName, "", buildFileNameKey("RESIDENT.TXT", NameSpaceWin32))
	residentRec.addResident(AttributeData, "", []byte(residentFileContent))
	putMFTRecord(img, testIdxResident, residentRec.finish(1, mftFlagInUse, root))

	// Sparse file: SPARSE.BIN, cluster 0 of its run backed, clusters 1-3
	// sparse (spec.md §4.4/§4.5).
	const sparseBackedCluster = testMFTStartCluster + testNumMFTRecords // 17
	putCluster(img, sparseBackedCluster, bytes.Repeat([]byte{'S'}, testClusterSz))
	sparseRec := newRecordBuilder(testClusterSz)
	sparseRec.addResident(AttributeStandardInformation, "", stdInfoContent(FileAttributeSparseFile, false, 0))
	sparseRec.addResident(AttributeFileName, "", buildFileNameKey("SPARSE.BIN", NameSpaceWin32))
	sparseRec.addNonResident(AttributeData, 4*testClusterSz, 4*testClusterSz, 4*testClusterSz, 0,
		[]Extent{{HasLCN: true, LCN: sparseBackedCluster, Length: 1}, {HasLCN: false, Length: 3}})
	putMFTRecord(img, testIdxSparse, sparseRec.finish(1, mftFlagInUse, root))

	// Compressed file: COMPRESSED.BIN, one 4-cluster compression unit with 2
	// backed + 2 sparse clusters (a "mixed" window, the only shape that
	// actually invokes the decompressor per decompress.go's unitBytes).
	const compressedBackedCluster = sparseBackedCluster + 1 // 18
	putCluster(img, compressedBackedCluster, bytes.Repeat([]byte{0xCC}, testClusterSz))
	putCluster(img, compressedBackedCluster+1, bytes.Repeat([]byte{0xCC}, testClusterSz))
	compressedRec := newRecordBuilder(testClusterSz)
	compressedRec.addResident(AttributeStandardInformation, "", stdInfoContent(FileAttributeCompressed, false, 0))
	compressedRec.addResident(AttributeFileName, "", buildFileNameKey("COMPRESSED.BIN", NameSpaceWin32))
	compressedRec.addNonResident(AttributeData, 4*testClusterSz, 2*testClusterSz, 4*testClusterSz, 2,
		[]Extent{{HasLCN: true, LCN: compressedBackedCluster, Length: 2}, {HasLCN: false, Length: 2}})
	putMFTRecord(img, testIdxCompressed, compressedRec.finish(1, mftFlagInUse, root))

	// DOS/WIN32-paired file, also the $SII lookup's subject via its v3
	// $STANDARD_INFORMATION's SecurityID.
	pairedRec := newRecordBuilder(testClusterSz)
	pairedRec.addResident(AttributeStandardInformation, "", stdInfoContent(FileAttributeArchive, true, 5))
	pairedRec.addResident(AttributeFileName, "", buildFileNameKey("LONGFILENAME.TXT", NameSpaceWin32))
	pairedRec.addResident(AttributeFileName, "", buildFileNameKey("LONGFI~1.TXT", NameSpaceDOS))
	putMFTRecord(img, testIdxPaired, pairedRec.finish(1, mftFlagInUse, root))

	// A record whose base_reference has Index()==0 but a nonzero sequence
	// number: only a full 64-bit comparison against zero classifies it as an
	// extension record (mftvector.go, volume.go's FileEntryByIndex).
	rogueRec := newRecordBuilder(testClusterSz)
	putMFTRecord(img, testIdxExtRogue, rogueRec.finish(1, mftFlagInUse, NewFileReference(0, 7)))

	// A plain extension record naming testIdxResident as its base.
	extRec := newRecordBuilder(testClusterSz)
	putMFTRecord(img, testIdxExtension, extRec.finish(1, mftFlagInUse, testFileRef(testIdxResident)))

	return img
}

func fakeLZNT1Decompressor(compressed []byte, expectedSize int) ([]byte, error) {
	return bytes.Repeat([]byte{'D'}, expectedSize), nil
}

func openTestVolume(t *testing.T) *Volume {
	t.Helper()
	img := buildSyntheticVolumeImage()
	src := NewOffsetSource(bytes.NewReader(img), int64(len(img)), 0)
	vol, err := OpenVolume(src, WithDiagnosticSink(noopDiagnosticSink{}), WithLZNT1Decompressor(fakeLZNT1Decompressor))
	if err != nil {
		t.Fatalf("OpenVolume failed: %v", err)
	}
	return vol
}

// --- scenarios --------------------------------------------------------------

func TestOpenVolumeMinimal(t *testing.T) {
	vol := openTestVolume(t)
	if got := vol.ClusterSize(); got != testClusterSz {
		t.Errorf("ClusterSize() = %d, want %d", got, testClusterSz)
	}
	if got := vol.NumberOfFileEntries(); got != testNumMFTRecords {
		t.Errorf("NumberOfFileEntries() = %d, want %d", got, testNumMFTRecords)
	}
}

func TestVolumeRootDirectoryEnumeration(t *testing.T) {
	vol := openTestVolume(t)
	root, err := vol.RootDirectory()
	if err != nil {
		t.Fatalf("RootDirectory failed: %v", err)
	}
	defer root.Close()

	children, err := root.Children()
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	var names []string
	for children.Next() {
		de, err := children.Value()
		if err != nil {
			t.Fatalf("Value failed: %v", err)
		}
		names = append(names, de.LongName.Name)
	}
	want := map[string]bool{
		"COMPRESSED.BIN":    true,
		"LONGFILENAME.TXT":  true,
		"RESIDENT.TXT":      true,
		"SPARSE.BIN":        true,
	}
	if len(names) != len(want) {
		t.Fatalf("root directory entries = %v, want exactly %v (DOS alias must not surface)", names, want)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected root entry %q", n)
		}
	}
}

func TestVolumeReadResidentFile(t *testing.T) {
	vol := openTestVolume(t)
	entry, err := vol.FileEntryByPathUTF8(`\RESIDENT.TXT`)
	if err != nil {
		t.Fatalf("FileEntryByPathUTF8 failed: %v", err)
	}
	defer entry.Close()

	stream, err := entry.OpenDataStream()
	if err != nil {
		t.Fatalf("OpenDataStream failed: %v", err)
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("reading stream failed: %v", err)
	}
	if string(got) != residentFileContent {
		t.Errorf("resident file content = %q, want %q", got, residentFileContent)
	}
}

func TestVolumeReadSparseFile(t *testing.T) {
	vol := openTestVolume(t)
	entry, err := vol.FileEntryByPathUTF8(`\SPARSE.BIN`)
	if err != nil {
		t.Fatalf("FileEntryByPathUTF8 failed: %v", err)
	}
	defer entry.Close()

	stream, err := entry.OpenDataStream()
	if err != nil {
		t.Fatalf("OpenDataStream failed: %v", err)
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("reading stream failed: %v", err)
	}
	want := append(bytes.Repeat([]byte{'S'}, testClusterSz), make([]byte, 3*testClusterSz)...)
	if !bytes.Equal(got, want) {
		t.Errorf("sparse file content mismatch: got %d bytes, want %d bytes of backed+zero data", len(got), len(want))
	}
}

func TestVolumeReadCompressedFile(t *testing.T) {
	vol := openTestVolume(t)
	entry, err := vol.FileEntryByPathUTF8(`\COMPRESSED.BIN`)
	if err != nil {
		t.Fatalf("FileEntryByPathUTF8 failed: %v", err)
	}
	defer entry.Close()

	stream, err := entry.OpenDataStream()
	if err != nil {
		t.Fatalf("OpenDataStream failed: %v", err)
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("reading stream failed: %v", err)
	}
	want := bytes.Repeat([]byte{'D'}, 4*testClusterSz)
	if !bytes.Equal(got, want) {
		t.Errorf("decompressed content mismatch: got %d bytes, want %d bytes of 'D'", len(got), len(want))
	}
}

func TestVolumeDOSWin32Pairing(t *testing.T) {
	vol := openTestVolume(t)
	root, err := vol.RootDirectory()
	if err != nil {
		t.Fatalf("RootDirectory failed: %v", err)
	}
	defer root.Close()

	byLong, err := root.ChildByNameUTF8("LONGFILENAME.TXT")
	if err != nil {
		t.Fatalf("ChildByNameUTF8(long) failed: %v", err)
	}
	if byLong == nil {
		t.Fatal("ChildByNameUTF8(LONGFILENAME.TXT) = nil, want an entry")
	}
	if byLong.ShortName == nil || byLong.ShortName.Name != "LONGFI~1.TXT" {
		t.Errorf("ShortName = %+v, want paired LONGFI~1.TXT", byLong.ShortName)
	}

	byShort, err := root.ChildByNameUTF8("LONGFI~1.TXT")
	if err != nil {
		t.Fatalf("ChildByNameUTF8(short) failed: %v", err)
	}
	if byShort == nil || byShort.LongName.Name != "LONGFILENAME.TXT" {
		t.Fatalf("ChildByNameUTF8(LONGFI~1.TXT) = %+v, want the LONGFILENAME.TXT entry", byShort)
	}
}

// TestVolumeSecurityDescriptorByID exercises the $SII -> $Secure:$SDS
// resolution path fixed alongside parseIndexEntries' collation branch.
func TestVolumeSecurityDescriptorByID(t *testing.T) {
	vol := openTestVolume(t)
	entry, err := vol.FileEntryByPathUTF8(`\LONGFILENAME.TXT`)
	if err != nil {
		t.Fatalf("FileEntryByPathUTF8 failed: %v", err)
	}
	defer entry.Close()

	sd, err := entry.SecurityDescriptor()
	if err != nil {
		t.Fatalf("SecurityDescriptor failed: %v", err)
	}
	want := bytes.Repeat([]byte{0xAA}, 32)
	if !bytes.Equal(sd, want) {
		t.Errorf("SecurityDescriptor = % x, want 32 bytes of 0xAA", sd)
	}
}

// TestVolumeFileEntryByIndexRejectsExtensionRecords covers both the
// base-vs-extension classification fix (a record whose base reference has
// Index()==0 but a nonzero sequence number must still be rejected) and
// FileEntryByIndex's own guard against handing back an extension record.
func TestVolumeFileEntryByIndexRejectsExtensionRecords(t *testing.T) {
	vol := openTestVolume(t)
	if _, err := vol.FileEntryByIndex(testIdxExtRogue); err == nil {
		t.Error("FileEntryByIndex(pathological extension record) succeeded, want error")
	}
	if _, err := vol.FileEntryByIndex(testIdxExtension); err == nil {
		t.Error("FileEntryByIndex(extension record) succeeded, want error")
	}
}

func TestVolumeCloseRejectsOpenHandles(t *testing.T) {
	vol := openTestVolume(t)
	entry, err := vol.FileEntryByPathUTF8(`\RESIDENT.TXT`)
	if err != nil {
		t.Fatalf("FileEntryByPathUTF8 failed: %v", err)
	}
	if err := vol.Close(); err == nil {
		t.Error("Volume.Close succeeded with a file entry still open, want error")
	}
	entry.Close()
	if err := vol.Close(); err != nil {
		t.Errorf("Volume.Close failed after every handle was closed: %v", err)
	}
}
