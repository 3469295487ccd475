package ntfs

import (
	"bytes"
	"encoding/binary"
)

// applyFixup validates and un-applies the update-sequence-array "fixup" on an
// MFT or INDX record buffer, per spec.md §4.1. usaOffset/usaSize are the
// record header's own fields pointing at the USN and USA within data.
//
// On success the last two bytes of each sector are overwritten in place with
// the original on-disk bytes (the USA slots) and corrupted is false. If any
// sector's trailing two bytes don't match the USN, fixup stops after
// restoring the sectors it already verified, returns corrupted=true, and a
// best-effort buffer (the caller continues with the already-fixed prefix per
// spec.md §4.1).
func applyFixup(data []byte, usaOffset, usaSize int, sectorSize int) (corrupted bool, err error) {
	if usaSize == 0 {
		return false, nil
	}
	if usaOffset < 0 || usaOffset+2*usaSize > len(data) {
		return false, Input(KindInvalidData, "applyFixup", nil)
	}
	if sectorSize <= 0 {
		return false, Argument(KindInvalidValue, "applyFixup", nil)
	}

	usn := [2]byte{data[usaOffset], data[usaOffset+1]}
	usaSlots := data[usaOffset+2 : usaOffset+2*usaSize]

	// usaSize counts the USN itself as the first "slot"; the array proper
	// has usaSize-1 two-byte entries, one per sector.
	sectorCount := usaSize - 1
	for i := 0; i < sectorCount; i++ {
		sectorEnd := (i + 1) * sectorSize
		if sectorEnd > len(data) {
			// Record is shorter than its header claims; keep whatever
			// sectors we already fixed up.
			return true, nil
		}
		trailing := data[sectorEnd-2 : sectorEnd]
		if !bytes.Equal(trailing, usn[:]) {
			return true, nil
		}
		copy(trailing, usaSlots[i*2:i*2+2])
	}
	return false, nil
}

// readUint16At reads a little-endian uint16 out of data at the given offset
// (used for record-header fields such as the update-sequence-array offset
// and size).
func readUint16At(data []byte, offset int) uint16 {
	return binary.LittleEndian.Uint16(data[offset : offset+2])
}
