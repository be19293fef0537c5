// Package audit implements the tamper-evident audit trail (spec §4.8, §6).
// Every security-relevant operation elsewhere in the core appends one fixed-
// width Entry here; the log never allocates once constructed and never
// blocks a caller, matching the teacher's own preference for preallocated,
// bounded buffers over growable ones (mmu.go's fixed frame pool, page.go's
// fixed page array).
package audit

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iansmith/mazarin-core/internal/hal"
)

// EventType enumerates the audit event classes spec §4.8 requires be
// distinguishable on replay.
type EventType uint32

const (
	EventCapCreate EventType = iota + 1
	EventCapGrant
	EventCapDerive
	EventCapTransfer
	EventCapRevoke
	EventDomainCreate
	EventDomainDestroy
	EventDomainSuspend
	EventDomainResume
	EventIPCCall
	EventIPCReturn
	EventThreadCreate
	EventThreadDestroy
	EventFault
	EventPanic
	EventServiceCrash
)

// EntrySize is the fixed wire size of one Entry in bytes (spec §6): u64
// timestamp, u32 sequence, u32 event-type, u32 domain, u32 cap-id, u32
// thread-id, 4 x u64 data words, u8 result, 3 reserved bytes.
const EntrySize = 8 + 4 + 4 + 4 + 4 + 4 + 4*8 + 1 + 3

// Entry is one audit record. Field order matches the wire layout exactly so
// Encode is a straight field-by-field write.
type Entry struct {
	Timestamp uint64
	Sequence  uint32
	EventType EventType
	Domain    uint32
	CapID     uint32
	ThreadID  uint32
	Data      [4]uint64
	Result    int8
}

// Encode serializes e into its little-endian §6 wire form.
func (e Entry) Encode() [EntrySize]byte {
	var buf [EntrySize]byte
	binary.LittleEndian.PutUint64(buf[0:8], e.Timestamp)
	binary.LittleEndian.PutUint32(buf[8:12], e.Sequence)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(e.EventType))
	binary.LittleEndian.PutUint32(buf[16:20], e.Domain)
	binary.LittleEndian.PutUint32(buf[20:24], e.CapID)
	binary.LittleEndian.PutUint32(buf[24:28], e.ThreadID)
	for i, w := range e.Data {
		binary.LittleEndian.PutUint64(buf[28+i*8:36+i*8], w)
	}
	buf[60] = byte(e.Result)
	// buf[61:64] reserved, left zero.
	return buf
}

// Decode is the inverse of Encode.
func Decode(buf [EntrySize]byte) Entry {
	var e Entry
	e.Timestamp = binary.LittleEndian.Uint64(buf[0:8])
	e.Sequence = binary.LittleEndian.Uint32(buf[8:12])
	e.EventType = EventType(binary.LittleEndian.Uint32(buf[12:16]))
	e.Domain = binary.LittleEndian.Uint32(buf[16:20])
	e.CapID = binary.LittleEndian.Uint32(buf[20:24])
	e.ThreadID = binary.LittleEndian.Uint32(buf[24:28])
	for i := range e.Data {
		e.Data[i] = binary.LittleEndian.Uint64(buf[28+i*8 : 36+i*8])
	}
	e.Result = int8(buf[60])
	return e
}

// Log is the fixed-capacity ring buffer. Once Capacity entries have been
// appended, each further Append overwrites the oldest entry — the log
// trades durability for a bounded memory footprint, exactly as spec §4.8
// specifies ("wrap without durability guarantees").
type Log struct {
	mu       sync.Mutex
	hw       hal.HAL
	entries  []Entry
	next     int
	full     bool
	sequence uint32
	logger   *logrus.Logger
}

// New builds a Log with room for capacity entries. capacity must be > 0.
func New(h hal.HAL, capacity int, logger *logrus.Logger) *Log {
	if capacity <= 0 {
		panic("audit: capacity must be positive")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Log{
		hw:      h,
		entries: make([]Entry, capacity),
		logger:  logger,
	}
}

// Append records one event. The sequence number is gap-free across wraps
// (spec §4.8's P-SEQ requirement): it increments by exactly one per call
// regardless of how many prior entries have been overwritten.
func (l *Log) Append(et EventType, domain, capID, threadID uint32, data [4]uint64, result int8) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Timestamp: l.hw.Timestamp(),
		Sequence:  l.sequence,
		EventType: et,
		Domain:    domain,
		CapID:     capID,
		ThreadID:  threadID,
		Data:      data,
		Result:    result,
	}
	l.sequence++

	l.entries[l.next] = e
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}

	l.logger.WithFields(logrus.Fields{
		"seq":    e.Sequence,
		"event":  e.EventType,
		"domain": e.Domain,
		"cap":    e.CapID,
		"thread": e.ThreadID,
		"result": e.Result,
	}).Debug("audit")

	return e
}

// Snapshot returns every live entry in chronological (oldest-first) order.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Entry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]Entry, len(l.entries))
	copy(out, l.entries[l.next:])
	copy(out[len(l.entries)-l.next:], l.entries[:l.next])
	return out
}

// Len reports how many live entries the log currently holds.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Capacity reports the log's fixed entry capacity.
func (l *Log) Capacity() int {
	return len(l.entries)
}

// NextSequence reports the sequence number the next Append will use, for
// tests asserting gap-freedom across a wrap.
func (l *Log) NextSequence() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}
