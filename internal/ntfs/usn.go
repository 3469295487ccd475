package ntfs

import (
	"encoding/binary"
	"io"
)

// UsnJournal is a windowed reader over \$Extend\$UsnJrnl:$J, per spec.md
// §4.12. Grounded on a real Go USN-journal reader's record-framing loop
// (other_examples' fsnotify backend_usn.go), adapted from that reader's
// live-tailing use case to a batch read-to-end-of-stream walk.
type UsnJournal struct {
	stream *Stream

	block    [usnJournalBlockSize]byte
	blockOff int64 // stream offset the current block was read from
	pos      int    // offset within block
	loaded   bool
}

const usnJournalBlockSize = 0x1000

func newUsnJournal(stream *Stream) *UsnJournal {
	return &UsnJournal{stream: stream}
}

// Offset returns the journal stream offset the next record will be read
// from.
func (j *UsnJournal) Offset() int64 {
	return j.blockOff + int64(j.pos)
}

// NextRecord reads and returns the next USN record, or (nil, nil) at
// end-of-journal.
func (j *UsnJournal) NextRecord() (*UsnRecord, error) {
	for {
		if !j.loaded || j.pos+4 > usnJournalBlockSize {
			if err := j.loadNextBlock(); err != nil {
				return nil, err
			}
			if !j.loaded {
				return nil, nil // end of journal
			}
		}

		recordLength := binary.LittleEndian.Uint32(j.block[j.pos:])
		if recordLength == 0 {
			// Advance to the next 0x1000-aligned boundary and refill
			// (spec.md §4.12).
			j.pos = usnJournalBlockSize
			continue
		}
		if j.pos+int(recordLength) > usnJournalBlockSize {
			return nil, Input(KindInvalidData, "UsnJournal.NextRecord", nil)
		}

		rec, err := parseUsnRecord(j.block[j.pos : j.pos+int(recordLength)])
		if err != nil {
			return nil, err
		}
		j.pos += int(recordLength)
		return rec, nil
	}
}

// loadNextBlock reads the next 0x1000-byte journal block into j.block,
// starting from the stream's current position rounded up to the next
// boundary if a block was already consumed.
func (j *UsnJournal) loadNextBlock() error {
	start := j.blockOff
	if j.loaded {
		start = j.blockOff + usnJournalBlockSize
	}
	if start >= j.stream.Size() {
		j.loaded = false
		return nil
	}
	if _, err := j.stream.Seek(start, 0); err != nil {
		return err
	}
	for i := range j.block {
		j.block[i] = 0
	}
	n, err := ioReadFull(j.stream, j.block[:])
	if n == 0 {
		j.loaded = false
		return nil
	}
	if err != nil && err != io.EOF {
		return err
	}
	j.blockOff = start
	j.pos = 0
	j.loaded = true
	return nil
}

// $USN_RECORD_V2 field offsets (spec.md §3/§4.12).
const (
	usnRecFileRef       = 0x08
	usnRecParentFileRef  = 0x10
	usnRecUSN            = 0x18
	usnRecTimestamp       = 0x20
	usnRecReason          = 0x28
	usnRecSourceInfo      = 0x2C
	usnRecSecurityID      = 0x30
	usnRecFileAttributes  = 0x34
	usnRecNameLength      = 0x38
	usnRecNameOffset      = 0x3A
	usnRecMinSize         = 0x3C
)

func parseUsnRecord(b []byte) (*UsnRecord, error) {
	op := "parseUsnRecord"
	if len(b) < usnRecMinSize {
		return nil, Input(KindInvalidData, op, nil)
	}
	nameLen := int(binary.LittleEndian.Uint16(b[usnRecNameLength:]))
	nameOff := int(binary.LittleEndian.Uint16(b[usnRecNameOffset:]))
	if nameOff+nameLen > len(b) {
		return nil, Input(KindInvalidData, op, nil)
	}
	name, err := decodeUTF16(b[nameOff : nameOff+nameLen])
	if err != nil {
		return nil, Input(KindInvalidData, op, err)
	}
	return &UsnRecord{
		RecordLength:        uint32(len(b)),
		FileReference:       FileReference(binary.LittleEndian.Uint64(b[usnRecFileRef:])),
		ParentFileReference: FileReference(binary.LittleEndian.Uint64(b[usnRecParentFileRef:])),
		USN:                 int64(binary.LittleEndian.Uint64(b[usnRecUSN:])),
		Timestamp:           filetimeToTime(binary.LittleEndian.Uint64(b[usnRecTimestamp:])),
		Reason:              binary.LittleEndian.Uint32(b[usnRecReason:]),
		SourceInfo:          binary.LittleEndian.Uint32(b[usnRecSourceInfo:]),
		SecurityID:          binary.LittleEndian.Uint32(b[usnRecSecurityID:]),
		FileAttributes:      FileAttributeFlags(binary.LittleEndian.Uint32(b[usnRecFileAttributes:])),
		Name:                name,
	}, nil
}
