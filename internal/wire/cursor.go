package wire

import (
	"encoding/binary"
	"fmt"
)

// EventCursor lets get_changes resume a table's cloud-side pagination
// across reconnects, independent of the timestamp-only Since parameter:
// Since selects which records to ask for, Index says how far into that
// answer the connector had already paged.
type EventCursor struct {
	Index        uint64
	SkipObsolete bool
}

// CursorSize is the fixed encoded length of an EventCursor.
const CursorSize = 9

// MarshalBinary encodes the cursor as (u64 index, bool skipObsolete) in
// little-endian, per the persisted wire format.
func (c EventCursor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CursorSize)
	binary.LittleEndian.PutUint64(buf[:8], c.Index)
	if c.SkipObsolete {
		buf[8] = 1
	}
	return buf, nil
}

// UnmarshalBinary decodes a cursor previously produced by MarshalBinary.
func (c *EventCursor) UnmarshalBinary(data []byte) error {
	if len(data) != CursorSize {
		return fmt.Errorf("wire: event cursor must be %d bytes, got %d", CursorSize, len(data))
	}
	c.Index = binary.LittleEndian.Uint64(data[:8])
	c.SkipObsolete = data[8] != 0
	return nil
}
