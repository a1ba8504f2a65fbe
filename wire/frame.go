package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const typicalBufferLen int = 1024

// EncodeFrame writes the 7-byte header (pattern, version, sender id,
// little-endian uint32 payload length) followed by the msgpack-encoded
// message.
func EncodeFrame(senderID byte, msg *Message) ([]byte, error) {
	buffer := new(bytes.Buffer)
	buffer.Grow(typicalBufferLen)

	buffer.WriteByte(FramePattern)
	buffer.WriteByte(FrameVersion)
	buffer.WriteByte(senderID)

	// placeholder for payload length
	buffer.WriteByte(0x00)
	buffer.WriteByte(0x00)
	buffer.WriteByte(0x00)
	buffer.WriteByte(0x00)

	if err := msgpack.NewEncoder(buffer).Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	buf := buffer.Bytes()
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("invalid written buf len=%d", len(buf))
	}

	payloadLen := uint32(len(buf)) - uint32(HeaderLen)
	if payloadLen > MaxPayloadLen {
		return nil, fmt.Errorf("payloadLen=%d exceeds max=%d", payloadLen, MaxPayloadLen)
	}
	binary.LittleEndian.PutUint32(buf[3:7], payloadLen)

	return buf, nil
}

// DecodeFrame reads one frame from r, validating the header against the
// expected sender ids, and returns the decoded message.
func DecodeFrame(r io.Reader, validSenderIDs map[byte]struct{}) (*Message, error) {
	header := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	if header[0] != FramePattern {
		return nil, fmt.Errorf("invalid frame pattern %X", header[0])
	}
	if header[1] != FrameVersion {
		return nil, fmt.Errorf("unsupported frame version %X", header[1])
	}
	if _, ok := validSenderIDs[header[2]]; !ok {
		return nil, fmt.Errorf("unrecognized sender id %X", header[2])
	}

	payloadLen := binary.LittleEndian.Uint32(header[3:7])
	if payloadLen > MaxPayloadLen {
		return nil, fmt.Errorf("payloadLen=%d exceeds max=%d", payloadLen, MaxPayloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	msg := new(Message)
	if err := msgpack.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	return msg, nil
}
