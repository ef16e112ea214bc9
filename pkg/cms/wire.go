package cms

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame ops.
const (
	// opWrite carries a client write to the server.
	opWrite byte = 1
	// opUpdate carries the server's newest message to a client.
	opUpdate byte = 2
)

// frameHeaderLen is op(1) + seq(8) + len(4). Integers are little-endian.
const frameHeaderLen = 13

// appendFrame encodes one frame onto buf.
func appendFrame(buf []byte, op byte, seq uint64, payload []byte) []byte {
	var hdr [frameHeaderLen]byte
	hdr[0] = op
	binary.LittleEndian.PutUint64(hdr[1:9], seq)
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(payload)))
	buf = append(buf, hdr[:]...)
	return append(buf, payload...)
}

// readFrame decodes one frame from r into buf and returns the payload slice
// of buf. Frames whose payload exceeds len(buf) are rejected.
func readFrame(r io.Reader, buf []byte) (op byte, seq uint64, payload []byte, err error) {
	var hdr [frameHeaderLen]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	op = hdr[0]
	if op != opWrite && op != opUpdate {
		return 0, 0, nil, fmt.Errorf("cms: unknown frame op %d", op)
	}
	seq = binary.LittleEndian.Uint64(hdr[1:9])
	n := binary.LittleEndian.Uint32(hdr[9:13])
	if int(n) > len(buf) {
		return 0, 0, nil, fmt.Errorf("cms: frame of %d bytes exceeds buffer size %d", n, len(buf))
	}
	payload = buf[:n]
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	return op, seq, payload, nil
}
