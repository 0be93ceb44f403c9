package datastore

import (
	"encoding/binary"
	"time"
)

// metaTimestampWidth and metaQueryCountWidth are the trailing metadata
// field widths from spec §6: "time_t timestamp then u32 query_count".
const (
	metaTimestampWidth  = 8
	metaQueryCountWidth = 4
)

// Meta describes the optional trailing metadata a datastore stamps after
// every record's user payload (spec §3 "Record"). Every address the
// datastore hands out still points at the first byte of the user payload;
// Meta only changes how many bytes follow it.
type Meta struct {
	Timestamp  bool
	QueryCount bool
}

// Width returns how many trailing bytes the enabled metadata occupies.
func (m Meta) Width() int {
	w := 0
	if m.Timestamp {
		w += metaTimestampWidth
	}
	if m.QueryCount {
		w += metaQueryCountWidth
	}
	return w
}

// StoredLen returns the true payload length plus the enabled metadata
// width — the number of bytes a datastore must physically reserve per
// record.
func (m Meta) StoredLen(payloadLen int) int {
	return payloadLen + m.Width()
}

// Stamp writes the enabled metadata fields into buf immediately after the
// payloadLen user bytes. buf must be at least StoredLen(payloadLen) long.
func (m Meta) Stamp(buf []byte, payloadLen int, now time.Time) {
	off := payloadLen
	if m.Timestamp {
		binary.LittleEndian.PutUint64(buf[off:], uint64(now.Unix()))
		off += metaTimestampWidth
	}
	if m.QueryCount {
		binary.LittleEndian.PutUint32(buf[off:], 0)
	}
}

// ReadTimestamp reads the creation timestamp stamped after payloadLen
// bytes of buf. ok is false if timestamps are not enabled.
func (m Meta) ReadTimestamp(buf []byte, payloadLen int) (t time.Time, ok bool) {
	if !m.Timestamp {
		return time.Time{}, false
	}
	sec := binary.LittleEndian.Uint64(buf[payloadLen:])
	return time.Unix(int64(sec), 0), true
}

// ReadQueryCount reads the query-hit counter stamped after payloadLen
// bytes (and the timestamp, if enabled) of buf. ok is false if the
// counter is not enabled.
func (m Meta) ReadQueryCount(buf []byte, payloadLen int) (n uint32, ok bool) {
	if !m.QueryCount {
		return 0, false
	}
	off := payloadLen
	if m.Timestamp {
		off += metaTimestampWidth
	}
	return binary.LittleEndian.Uint32(buf[off:]), true
}

// Touch increments the query-hit counter in place. It is a no-op if the
// counter is not enabled.
func (m Meta) Touch(buf []byte, payloadLen int) {
	if !m.QueryCount {
		return
	}
	off := payloadLen
	if m.Timestamp {
		off += metaTimestampWidth
	}
	binary.LittleEndian.PutUint32(buf[off:], binary.LittleEndian.Uint32(buf[off:])+1)
}
