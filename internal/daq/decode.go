package daq

import "encoding/binary"

// RecordSize is the fixed wire size of one sample record: four little-endian
// uint16 channel readings followed by one checksum byte.
const RecordSize = 9

// Sample is one validated reading across the four analog channels.
type Sample struct {
	AN1 uint16
	AN2 uint16
	AN3 uint16
	AN4 uint16
}

// Result is one decoded record: either a valid Sample or the checksum
// failure that invalidated it. Exactly one of the two is meaningful.
type Result struct {
	Sample Sample
	Err    error
}

// Decode extracts every whole record from one delivered transfer buffer,
// in order. A checksum mismatch yields a Result carrying a *ChecksumError
// and scanning continues with the next record. Trailing bytes short of a
// full record are dropped; records do not span transfer buffers, so no
// state is carried between calls.
func Decode(p []byte) []Result {
	n := len(p) / RecordSize
	if n == 0 {
		return nil
	}
	out := make([]Result, 0, n)
	for i := 0; i < n; i++ {
		rec := p[i*RecordSize : (i+1)*RecordSize]
		s := Sample{
			AN1: binary.LittleEndian.Uint16(rec[0:2]),
			AN2: binary.LittleEndian.Uint16(rec[2:4]),
			AN3: binary.LittleEndian.Uint16(rec[4:6]),
			AN4: binary.LittleEndian.Uint16(rec[6:8]),
		}
		// Checksum is the low byte of the channel sum.
		want := byte(s.AN1 + s.AN2 + s.AN3 + s.AN4)
		if got := rec[8]; got != want {
			out = append(out, Result{Err: &ChecksumError{Record: i, Got: got, Want: want}})
			continue
		}
		out = append(out, Result{Sample: s})
	}
	return out
}
