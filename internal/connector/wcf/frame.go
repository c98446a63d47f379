package wcf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Record types of the message framing protocol.
const (
	recordSizedEnvelope byte = 0x06
	recordFault         byte = 0x08
)

const maxFrameBytes = 8 << 20

// writeFrame writes a record byte, the uvarint payload length and the payload.
func writeFrame(w io.Writer, kind byte, payload []byte) error {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	buf = append(buf, kind)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one record.
func readFrame(r *bufio.Reader) (byte, []byte, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	if n > maxFrameBytes {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return kind, payload, nil
}
