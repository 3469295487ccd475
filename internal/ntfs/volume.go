package ntfs

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Boot sector (volume header) field offsets (spec.md §3/§4.10).
const (
	bootOEMID               = 0x03 // "NTFS    "
	bootBytesPerSector      = 0x0B // uint16
	bootSectorsPerCluster   = 0x0D // uint8
	bootTotalSectors        = 0x28 // int64
	bootMFTCluster          = 0x30 // int64
	bootMFTMirrorCluster    = 0x38 // int64
	bootClustersPerMFTRec   = 0x40 // int8, negative => log2 byte size
	bootClustersPerIdxRec   = 0x44 // int8, same convention
	bootSerialNumber        = 0x48 // uint64
	bootSectorMinSize       = 0x50
)

// MFT entry indices of the well-known system files (spec.md §4.10).
const (
	mftIndexMFT     = 0
	mftIndexMFTMirr = 1
	mftIndexVolume  = 3
	mftIndexSecure  = 9
	mftIndexRoot    = 5
	mftIndexBitmap  = 6
)

var defaultVolumeName = ""

type volumeHeader struct {
	bytesPerSector    uint32
	sectorsPerCluster uint32
	clusterSize       uint32
	totalSectors      uint64
	mftStartCluster   uint64
	serialNumber      uint64
}

func parseVolumeHeader(data []byte) (volumeHeader, error) {
	op := "parseVolumeHeader"
	if len(data) < bootSectorMinSize {
		return volumeHeader{}, Input(KindInvalidData, op, nil)
	}
	if !bytesHasPrefix(data[bootOEMID:], []byte("NTFS")) {
		return volumeHeader{}, Input(KindSignatureMismatch, op, nil)
	}

	bps := uint32(readUint16At(data, bootBytesPerSector))
	switch bps {
	case 512, 1024, 2048, 4096:
	default:
		return volumeHeader{}, Input(KindUnsupportedValue, op, nil)
	}
	spc := clusterSizeFactor(int8(data[bootSectorsPerCluster]), bps)

	h := volumeHeader{
		bytesPerSector:    bps,
		sectorsPerCluster: spc,
		clusterSize:       bps * spc,
		totalSectors:      leUint64(data[bootTotalSectors:]),
		mftStartCluster:   leUint64(data[bootMFTCluster:]),
		serialNumber:      leUint64(data[bootSerialNumber:]),
	}
	if h.clusterSize == 0 || h.clusterSize > 64*1024 {
		return volumeHeader{}, Input(KindUnsupportedValue, op, nil)
	}
	return h, nil
}

// clusterSizeFactor decodes the "sectors per cluster" byte, which for large
// cluster/record sizes instead encodes log2(size in bytes) as a negative
// value (spec.md §4.10, standard NTFS boot-sector convention).
func clusterSizeFactor(raw int8, bytesPerSector uint32) uint32 {
	if raw >= 0 {
		return uint32(raw)
	}
	size := uint32(1) << uint(-raw)
	if bytesPerSector == 0 {
		return 1
	}
	return size / bytesPerSector
}

// recordSizeFromByte decodes the "clusters per MFT/index record" byte, which
// uses the same negative-log2 convention as clusterSizeFactor but expresses
// a byte size directly rather than a cluster count when negative.
func recordSizeFromByte(raw int8, clusterSize uint32) uint32 {
	if raw >= 0 {
		return uint32(raw) * clusterSize
	}
	return uint32(1) << uint(-raw)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// ReparseAlgorithmInfo describes how a WofCompressedData-paired reparse tag
// maps to a decompression algorithm (spec.md §9 open question; DESIGN.md
// records the decision to make this table caller-overridable).
type ReparseAlgorithmInfo struct {
	Algorithm CompressionAlgorithm
}

var defaultReparseAlgorithmTable = map[uint32]ReparseAlgorithmInfo{
	0x80000017: {Algorithm: CompressionLZX}, // IO_REPARSE_TAG_WOF, best-effort default
}

// Volume is the opened-volume facade of spec.md §4.10: the single owner of
// the block source, the MFT vector, and the caches shared across every
// file-entry facade it hands out.
type Volume struct {
	src  BlockSource
	diag DiagnosticSink

	volumeHeader
	mftRecordSize   uint32
	indexRecordSize uint32

	mftCacheCapacity        int
	indexNodeCacheCapacity  int
	attributeListChainLimit int
	indexDepthLimit         int

	fold                  func(string) string
	reparseAlgorithmTable map[uint32]ReparseAlgorithmInfo

	// decompressor handles NTFS-native compression (LZNT1), signalled
	// directly by a compression-unit attribute header. decompressorsByAlgorithm
	// handles the WofCompressedData case (LZX / LZXPRESS-Huffman), signalled by
	// a paired reparse point (spec.md §4.6). Both are external collaborators
	// (spec.md §1); nil means "treat as unsupported".
	decompressor              Decompressor
	decompressorsByAlgorithm map[CompressionAlgorithm]Decompressor

	mft *mftVector

	secureIndex      *Index
	secureDataStream *Stream
	volumeName       string

	abort atomic.Bool

	mu          sync.RWMutex
	openHandles int64
	closed      bool
}

// Option configures OpenVolume (spec.md §4.14).
type Option func(*Volume)

// WithDiagnosticSink overrides the default log-backed DiagnosticSink.
func WithDiagnosticSink(sink DiagnosticSink) Option {
	return func(v *Volume) { v.diag = sink }
}

// WithMFTCacheCapacity overrides the MFT vector's indexed-entry cache size
// (default 128, spec.md §4.7).
func WithMFTCacheCapacity(n int) Option {
	return func(v *Volume) { v.mftCacheCapacity = n }
}

// WithIndexNodeCacheCapacity overrides the per-index decoded-INDX-record
// cache size (default 0 = unbounded).
func WithIndexNodeCacheCapacity(n int) Option {
	return func(v *Volume) { v.indexNodeCacheCapacity = n }
}

// WithAttributeListChainLimit overrides MAX_ATTRIBUTE_LIST_CHAIN (default
// 4096, spec.md §4.7).
func WithAttributeListChainLimit(n int) Option {
	return func(v *Volume) { v.attributeListChainLimit = n }
}

// WithIndexDepthLimit overrides MAX_INDEX_DEPTH (default 256, spec.md §4.8).
func WithIndexDepthLimit(n int) Option {
	return func(v *Volume) { v.indexDepthLimit = n }
}

// WithCaseFold overrides the Unicode case-fold primitive the index engine
// uses for file_name collation (spec.md §1: "the core consumes a
// case-insensitive Unicode compare primitive"). Defaults to strings.ToUpper,
// approximating NTFS's $UpCase table.
func WithCaseFold(fold func(string) string) Option {
	return func(v *Volume) { v.fold = fold }
}

// WithReparseAlgorithmTable overrides the reparse-tag -> compression
// algorithm table used to interpret WofCompressedData streams (spec.md §9
// open question).
func WithReparseAlgorithmTable(table map[uint32]ReparseAlgorithmInfo) Option {
	return func(v *Volume) { v.reparseAlgorithmTable = table }
}

// WithLZNT1Decompressor registers the pure-pipe decompressor for NTFS-native
// (compression-unit-header-signalled) compressed streams (spec.md §4.6, §1).
func WithLZNT1Decompressor(d Decompressor) Option {
	return func(v *Volume) { v.decompressor = d }
}

// WithDecompressor registers the pure-pipe decompressor for a
// WofCompressedData algorithm (LZX, LZXPRESS-Huffman), keyed by
// CompressionAlgorithm (spec.md §4.6, §1).
func WithDecompressor(algo CompressionAlgorithm, d Decompressor) Option {
	return func(v *Volume) {
		if v.decompressorsByAlgorithm == nil {
			v.decompressorsByAlgorithm = make(map[CompressionAlgorithm]Decompressor)
		}
		v.decompressorsByAlgorithm[algo] = d
	}
}

// OpenVolume parses the boot sector from src and materializes the MFT
// vector, attribute-list index, and security-descriptor index, per spec.md
// §4.10's open sequence.
func OpenVolume(src BlockSource, opts ...Option) (*Volume, error) {
	op := "OpenVolume"
	v := &Volume{
		src:                     src,
		diag:                    DefaultDiagnosticSink{},
		mftCacheCapacity:        128,
		attributeListChainLimit: 4096,
		indexDepthLimit:         MaxIndexDepth,
		fold:                    strings.ToUpper,
		reparseAlgorithmTable:   defaultReparseAlgorithmTable,
	}
	for _, opt := range opts {
		opt(v)
	}

	sector := make([]byte, 512)
	if err := readAtFull(src, sector, 0, op); err != nil {
		return nil, err
	}
	hdr, err := parseVolumeHeader(sector)
	if err != nil {
		return nil, err
	}
	v.volumeHeader = hdr

	mftRecSize := recordSizeFromByte(int8(sector[bootClustersPerMFTRec]), hdr.clusterSize)
	idxRecSize := recordSizeFromByte(int8(sector[bootClustersPerIdxRec]), hdr.clusterSize)
	if mftRecSize == 0 || idxRecSize == 0 {
		return nil, Input(KindUnsupportedValue, op, nil)
	}
	v.mftRecordSize = mftRecSize
	v.indexRecordSize = idxRecSize

	mftStartOffset := int64(hdr.mftStartCluster) * int64(hdr.clusterSize)
	mftRecordBuf := make([]byte, mftRecSize)
	if err := readAtFull(src, mftRecordBuf, mftStartOffset, op); err != nil {
		return nil, err
	}
	mft0, err := parseMFTEntry(mftRecordBuf, mftIndexMFT, int(hdr.bytesPerSector))
	if err != nil {
		return nil, err
	}
	if mft0.DefaultDataIndex == -1 {
		return nil, Input(KindValueMissing, op, nil)
	}

	mftStream, err := v.streamForAttribute(&mft0.Attributes[mft0.DefaultDataIndex])
	if err != nil {
		return nil, err
	}

	v.mft = newMFTVector(v, mftStream, mftRecSize)

	if err := v.mft.buildAttributeListIndex(); err != nil {
		return nil, err
	}

	if secureEntry, err := v.mft.entry(mftIndexSecure); err == nil && secureEntry != nil {
		if idx, err := v.buildSecurityIndex(secureEntry); err == nil {
			v.secureIndex = idx
		} else {
			v.diag.Warnf("failed to build $Secure index: %v", err)
		}
		if stream, err := secureDataStreamFrom(v, secureEntry); err == nil {
			v.secureDataStream = stream
		} else {
			v.diag.Warnf("failed to open $Secure:$SDS: %v", err)
		}
	}

	if volEntry, err := v.mft.entry(mftIndexVolume); err == nil && volEntry != nil {
		v.volumeName = volumeNameFrom(volEntry)
	}

	return v, nil
}

func volumeNameFrom(e *MFTEntry) string {
	for i := range e.Attributes {
		if e.Attributes[i].Type == AttributeVolumeName && e.Attributes[i].Resident {
			name, err := decodeUTF16(e.Attributes[i].Content)
			if err == nil {
				return name
			}
		}
	}
	return defaultVolumeName
}

// buildSecurityIndex builds the $SII index (uint32 collation over security
// id) over the $Secure entry's $INDEX_ROOT/$INDEX_ALLOCATION, per spec.md
// §4.10 step 5.
func (v *Volume) buildSecurityIndex(secure *MFTEntry) (*Index, error) {
	var root, allocation, bitmap *Attribute
	for i := range secure.Attributes {
		a := &secure.Attributes[i]
		if a.Name != "$SII" {
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
	if root == nil {
		return nil, Input(KindValueMissing, "buildSecurityIndex", nil)
	}
	return newIndex(v, root, allocation, bitmap, CollationUint32, false)
}

// secureDataStreamFrom opens $Secure's named $SDS data stream, which holds
// the actual security descriptor bytes the $SII index's entries point into
// (spec.md §4.10 step 5, §4.11).
func secureDataStreamFrom(v *Volume, secure *MFTEntry) (*Stream, error) {
	for i := range secure.Attributes {
		a := &secure.Attributes[i]
		if a.Type == AttributeData && a.Name == "$SDS" {
			return v.streamForAttribute(a)
		}
	}
	return nil, Input(KindValueMissing, "secureDataStreamFrom", nil)
}

// ClusterSize returns the volume's cluster size in bytes.
func (v *Volume) ClusterSize() uint32 { return v.volumeHeader.clusterSize }

// MFTEntrySize returns the MFT record size in bytes.
func (v *Volume) MFTEntrySize() uint32 { return v.mftRecordSize }

// IndexRecordSize returns the INDX record size in bytes.
func (v *Volume) IndexRecordSize() uint32 { return v.indexRecordSize }

// SerialNumber returns the volume's 64-bit serial number.
func (v *Volume) SerialNumber() uint64 { return v.volumeHeader.serialNumber }

// VolumeName returns the $VOLUME_NAME content, or "" if absent.
func (v *Volume) VolumeName() string { return v.volumeName }

// NumberOfFileEntries returns the MFT vector's entry count.
func (v *Volume) NumberOfFileEntries() uint64 { return v.mft.numberOfEntries() }

// FileEntryByIndex materializes the file-entry facade for MFT entry i. An
// extension record (one whose base_reference is nonzero) is never
// independently returned: spec.md §4.7 step 1 requires callers to start from
// its base record, which is where the extension's attributes are already
// spliced in by the MFT vector.
func (v *Volume) FileEntryByIndex(i uint64) (*FileEntry, error) {
	e, err := v.mft.entry(i)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, Input(KindValueMissing, "Volume.FileEntryByIndex", nil)
	}
	if e.BaseRecordReference != 0 {
		return nil, Input(KindUnsupportedValue, "Volume.FileEntryByIndex", nil)
	}
	return newFileEntry(v, e), nil
}

// RootDirectory returns the file-entry facade for MFT record 5 ("."),
// spec.md §4.10 step 6.
func (v *Volume) RootDirectory() (*FileEntry, error) {
	return v.FileEntryByIndex(mftIndexRoot)
}

// ResolveFileReference materializes the file-entry facade a cross-entry
// FileReference points at, verifying that the loaded record's sequence
// number still matches the reference's (spec.md §9): a stale reference
// pointing at a reused, reallocated MFT slot fails loudly instead of
// silently returning the wrong file.
func (v *Volume) ResolveFileReference(ref FileReference) (*FileEntry, error) {
	fe, err := v.FileEntryByIndex(ref.Index())
	if err != nil {
		return nil, err
	}
	if fe.entry.SequenceNumber != ref.Sequence() {
		return nil, Input(KindValueMismatch, "Volume.ResolveFileReference", nil)
	}
	return fe, nil
}

// FileEntryByPathUTF8 resolves a `\`-separated path from the root directory,
// per spec.md §4.10's path-resolution algorithm. Reparse points along the
// path are not followed; the terminal entry is returned as-is. Every
// intermediate directory facade visited along the way is closed before the
// walk moves past it; only the returned entry's handle stays open, owned by
// the caller (spec.md §5).
func (v *Volume) FileEntryByPathUTF8(path string) (*FileEntry, error) {
	cur, err := v.RootDirectory()
	if err != nil {
		return nil, err
	}
	for _, seg := range splitPath(path) {
		if seg == "" {
			continue
		}
		children, err := cur.Children()
		if err != nil {
			cur.Close()
			return nil, err
		}
		de, err := children.tree.EntryByNameUTF8(seg)
		if err != nil {
			cur.Close()
			return nil, err
		}
		if de == nil {
			cur.Close()
			return nil, Input(KindValueMissing, "Volume.FileEntryByPathUTF8", nil)
		}
		next, err := v.ResolveFileReference(de.FileReference)
		cur.Close()
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// FileEntryByPathUTF16 is FileEntryByPathUTF8 over a UTF-16 code-unit path.
func (v *Volume) FileEntryByPathUTF16(path []uint16) (*FileEntry, error) {
	s, err := utf16ToString(path)
	if err != nil {
		return nil, Input(KindInvalidData, "Volume.FileEntryByPathUTF16", err)
	}
	return v.FileEntryByPathUTF8(s)
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, `\`), `\`)
}

// UsnChangeJournal opens \$Extend\$UsnJrnl:$J, per spec.md §4.12. Neither
// intermediate facade it opens along the way is returned to the caller, so
// both are closed once the stream itself has been opened (spec.md §5).
func (v *Volume) UsnChangeJournal() (*UsnJournal, error) {
	extend, err := v.FileEntryByPathUTF8(`$Extend`)
	if err != nil {
		return nil, err
	}
	defer extend.Close()
	children, err := extend.Children()
	if err != nil {
		return nil, err
	}
	de, err := children.tree.EntryByNameUTF8("$UsnJrnl")
	if err != nil {
		return nil, err
	}
	if de == nil {
		return nil, Input(KindValueMissing, "Volume.UsnChangeJournal", nil)
	}
	jrnlEntry, err := v.ResolveFileReference(de.FileReference)
	if err != nil {
		return nil, err
	}
	defer jrnlEntry.Close()
	stream, err := jrnlEntry.OpenAlternateDataStreamByUTF8Name("$J")
	if err != nil {
		return nil, err
	}
	return newUsnJournal(stream), nil
}

// SignalAbort sets the sticky abort flag (spec.md §5); every subsequent
// block-source read, MFT parse, and index-node decode fails fast with
// ErrAbortRequested.
func (v *Volume) SignalAbort() { v.abort.Store(true) }

func (v *Volume) checkAbort() error {
	if v.abort.Load() {
		return ErrAbortRequested
	}
	return nil
}

// Close releases the volume. It is rejected with a runtime error if any
// file-entry facade obtained from it is still open (spec.md §5).
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.openHandles > 0 {
		return Runtime(KindInvalidResource, "Volume.Close", nil)
	}
	v.closed = true
	return nil
}

func (v *Volume) acquireHandle() {
	v.mu.Lock()
	v.openHandles++
	v.mu.Unlock()
}

func (v *Volume) releaseHandle() {
	v.mu.Lock()
	v.openHandles--
	v.mu.Unlock()
}

// streamForAttribute builds a plain Stream (resident or non-resident) over
// attr, per spec.md §4.5. It does not decompress; compressed attributes are
// wrapped by decompressedStreamForAttribute.
func (v *Volume) streamForAttribute(attr *Attribute) (*Stream, error) {
	if attr.Resident {
		return newResidentStream(v, attr.Content), nil
	}
	clusterSize := int64(v.ClusterSize())
	return newNonResidentStream(v, clusterSize, attr.Extents, int64(attr.DataSize), int64(attr.AllocatedSize)), nil
}

// decompressedStreamForAttribute wraps streamForAttribute's raw stream with
// block-wise decompression in units of attr's CompressionUnitLog2 clusters
// (spec.md §4.6). It always wraps; whether a unit is decompressed, passed
// through or zero-filled is decided per unit by decompressedStream.
func (v *Volume) decompressedStreamForAttribute(attr *Attribute, decompressor Decompressor) (*Stream, error) {
	raw, err := v.streamForAttribute(attr)
	if err != nil {
		return nil, err
	}
	return newCompressedStream(raw, attr.Extents, int64(v.ClusterSize()), attr.CompressionUnitLog2, int64(attr.DataSize), decompressor), nil
}

// ntfsDecompressorFor returns the decompressor registered for NTFS-native
// (LZNT1, compression-unit-header-signalled) streams, spec.md §4.6, and
// whether one is registered. e is not inspected; the caller has already
// established that the attribute is compressed.
func (v *Volume) ntfsDecompressorFor(e *MFTEntry) (Decompressor, bool) {
	return v.decompressor, v.decompressor != nil
}

// decompressorForReparseTag resolves a WofCompressedData reparse tag to a
// decompressor via the volume's reparse-algorithm table and its registered
// per-algorithm decompressors (spec.md §4.6, §9 open question).
func (v *Volume) decompressorForReparseTag(tag uint32) (Decompressor, bool) {
	info, ok := v.reparseAlgorithmTable[tag]
	if !ok {
		return nil, false
	}
	d, ok := v.decompressorsByAlgorithm[info.Algorithm]
	return d, ok
}

// $SII index value payload offsets: the SII_INDEX_VALUE struct pointed at by
// an $SII entry's data_offset/data_length union (spec.md §4.11, standard
// NTFS $Secure layout) — a hash of the descriptor, a duplicate of the lookup
// key, and the {offset, size} of the actual entry within $Secure:$SDS.
const (
	siiValueDataOffset = 0x08 // uint64, byte offset into $SDS
	siiValueDataSize   = 0x10 // uint32, size of the $SDS entry this points at
	siiValueMinSize    = 0x14

	// Each entry within the $SDS stream itself repeats a 20-byte header
	// (hash, security_id, offset, size) ahead of the actual self-relative
	// security descriptor; siiValueDataSize covers the header too, so the
	// descriptor payload is siiValueDataSize-sdsEntryHeaderSize bytes long.
	sdsEntryHeaderSize = 0x14
)

// securityDescriptorByID looks up a security descriptor by its 32-bit id via
// the $SII index built at open, then resolves the $SII entry's
// {data_offset, data_size} pointer into the $Secure:$SDS stream to fetch the
// descriptor's actual bytes (spec.md §4.10 step 5, §4.11).
func (v *Volume) securityDescriptorByID(id uint32) ([]byte, error) {
	op := "Volume.securityDescriptorByID"
	if v.secureIndex == nil || v.secureDataStream == nil {
		return nil, Input(KindValueMissing, op, nil)
	}
	key := make([]byte, 4)
	key[0] = byte(id)
	key[1] = byte(id >> 8)
	key[2] = byte(id >> 16)
	key[3] = byte(id >> 24)
	v2, err := v.secureIndex.Lookup(key)
	if err != nil {
		return nil, err
	}
	if v2 == nil || len(v2.ValueBytes) < siiValueMinSize {
		return nil, Input(KindValueMissing, op, nil)
	}

	dataOffset := leUint64(v2.ValueBytes[siiValueDataOffset:])
	dataSize := leUint32At(v2.ValueBytes, siiValueDataSize)
	if dataSize <= sdsEntryHeaderSize {
		return nil, Input(KindInvalidData, op, nil)
	}

	descriptorSize := dataSize - sdsEntryHeaderSize
	buf := make([]byte, descriptorSize)
	if _, err := v.secureDataStream.Seek(int64(dataOffset)+sdsEntryHeaderSize, io.SeekStart); err != nil {
		return nil, Input(KindOutOfBounds, op, err)
	}
	if _, err := ioReadFull(v.secureDataStream, buf); err != nil {
		return nil, Input(KindInvalidData, op, err)
	}
	return buf, nil
}

func leUint32At(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}
