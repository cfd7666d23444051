package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Frame:
// [seq:8][time:8][mlen:1][manifest][len:4][payload][crc:4]
const frameHeader = 8 + 8 + 1

func encodeFrame(seq uint64, ts int64, ev Event) ([]byte, error) {
	if len(ev.Manifest) > 0xff {
		return nil, fmt.Errorf("journal: manifest %q too long", ev.Manifest)
	}
	ml := len(ev.Manifest)
	pl := len(ev.Payload)
	buf := make([]byte, frameHeader+ml+4+pl+4)

	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(ts))
	buf[16] = byte(ml)
	copy(buf[17:], ev.Manifest)
	off := frameHeader + ml
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(pl))
	copy(buf[off+4:], ev.Payload)

	end := off + 4 + pl
	binary.BigEndian.PutUint32(buf[end:], crc32.ChecksumIEEE(buf[:end]))
	return buf, nil
}

func decodeFrame(b []byte) (seq uint64, ts int64, ev Event, err error) {
	if len(b) < frameHeader+4+4 {
		return 0, 0, ev, fmt.Errorf("%w: short frame (%d bytes)", ErrCorrupt, len(b))
	}
	ml := int(b[16])
	off := frameHeader + ml
	if len(b) < off+4+4 {
		return 0, 0, ev, fmt.Errorf("%w: truncated manifest", ErrCorrupt)
	}
	pl := int(binary.BigEndian.Uint32(b[off : off+4]))
	end := off + 4 + pl
	if len(b) != end+4 {
		return 0, 0, ev, fmt.Errorf("%w: length mismatch", ErrCorrupt)
	}
	if crc32.ChecksumIEEE(b[:end]) != binary.BigEndian.Uint32(b[end:]) {
		return 0, 0, ev, fmt.Errorf("%w: crc mismatch", ErrCorrupt)
	}

	seq = binary.BigEndian.Uint64(b[0:8])
	ts = int64(binary.BigEndian.Uint64(b[8:16]))
	ev.Manifest = string(b[17:off])
	ev.Payload = append([]byte(nil), b[off+4:end]...)
	return seq, ts, ev, nil
}
