package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/syncrow/syncrow/internal/model"
)

// maxFrameSize bounds a single frame's body, guarding against a malicious
// or corrupt length prefix causing an unbounded allocation.
const maxFrameSize = 16 << 20

// WriteFrame encodes msgType and body (canonical CBOR) and writes them to
// w as a single length-prefixed frame: u32 LE total length, then a body of
// u8 typeNameLength | utf8 typeName | CBOR payload.
func WriteFrame(w io.Writer, msgType MessageType, body any) error {
	encoded, err := model.CanonicalMarshal(body)
	if err != nil {
		return fmt.Errorf("wire: encode %s frame: %w", msgType, err)
	}

	name := msgType.String()
	if len(name) > 255 {
		return fmt.Errorf("wire: message type name %q exceeds 255 bytes", name)
	}

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(1+len(name)+len(encoded)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write %s frame header: %w", msgType, err)
	}

	body2 := make([]byte, 0, 1+len(name)+len(encoded))
	body2 = append(body2, byte(len(name)))
	body2 = append(body2, name...)
	body2 = append(body2, encoded...)
	if _, err := w.Write(body2); err != nil {
		return fmt.Errorf("wire: write %s frame body: %w", msgType, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r, decodes its utf8 type
// name back into a MessageType, and returns the type alongside the raw
// CBOR payload for the caller to decode with DecodeInto.
func ReadFrame(r io.Reader) (MessageType, []byte, error) {
	lenHeader := make([]byte, 4)
	if _, err := io.ReadFull(r, lenHeader); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(lenHeader)
	if length == 0 {
		return 0, nil, fmt.Errorf("wire: frame length 0 has no room for a type name")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("wire: frame length %d exceeds maximum %d", length, maxFrameSize)
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, nil, fmt.Errorf("wire: read frame: %w", err)
	}

	nameLen := int(rest[0])
	if len(rest) < 1+nameLen {
		return 0, nil, fmt.Errorf("wire: frame type name length %d exceeds frame of %d bytes", nameLen, len(rest))
	}
	name := string(rest[1 : 1+nameLen])
	msgType, ok := messageTypeByName(name)
	if !ok {
		return 0, nil, fmt.Errorf("wire: unknown message type %q", name)
	}
	return msgType, rest[1+nameLen:], nil
}

// DecodeInto unmarshals a frame body into v; v must be a pointer to the
// struct matching the frame's MessageType.
func DecodeInto(body []byte, v any) error {
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: decode frame body: %w", err)
	}
	return nil
}

// EncodeBytes is a convenience for frame bodies encoded outside of
// WriteFrame (e.g. by a test harness building raw frames byte-for-byte).
func EncodeBytes(v any) ([]byte, error) {
	return model.CanonicalMarshal(v)
}

// EncodeFrame builds a complete length-prefixed frame for a single
// self-contained buffer — the shape a websocket message already has,
// since the transport delivers one full message per read/write rather
// than a stream.
func EncodeFrame(msgType MessageType, body any) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msgType, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a complete frame previously produced by EncodeFrame
// (or by the wire's peer) out of a single in-memory buffer.
func DecodeFrame(data []byte) (MessageType, []byte, error) {
	return ReadFrame(bytes.NewReader(data))
}
