package audit

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/iansmith/mazarin-core/internal/hal/simhal"
)

func newTestLog(capacity int) *Log {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(simhal.New(), capacity, logger)
}

func TestAppendEncodesFixedWireFormat(t *testing.T) {
	l := newTestLog(4)
	e := l.Append(EventCapCreate, 1, 2, 3, [4]uint64{10, 20, 30, 40}, 0)

	buf := e.Encode()
	if len(buf) != EntrySize {
		t.Fatalf("Encode length = %d, want %d", len(buf), EntrySize)
	}

	got := Decode(buf)
	if got != e {
		t.Fatalf("Decode(Encode(e)) = %+v, want %+v", got, e)
	}
}

func TestSequenceGapFreeAcrossWrap(t *testing.T) {
	l := newTestLog(3)
	var lastSeq uint32
	for i := 0; i < 10; i++ {
		e := l.Append(EventFault, 0, 0, 0, [4]uint64{}, 0)
		if i > 0 && e.Sequence != lastSeq+1 {
			t.Fatalf("entry %d: sequence %d, want %d", i, e.Sequence, lastSeq+1)
		}
		lastSeq = e.Sequence
	}
	if l.NextSequence() != 10 {
		t.Fatalf("NextSequence() = %d, want 10", l.NextSequence())
	}
}

func TestWrapOverwritesOldestFirst(t *testing.T) {
	l := newTestLog(2)
	l.Append(EventCapCreate, 0, 0, 0, [4]uint64{1}, 0)
	l.Append(EventCapCreate, 0, 0, 0, [4]uint64{2}, 0)
	l.Append(EventCapCreate, 0, 0, 0, [4]uint64{3}, 0)

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot length = %d, want 2", len(snap))
	}
	if snap[0].Data[0] != 2 || snap[1].Data[0] != 3 {
		t.Fatalf("Snapshot = %+v, want oldest-first [2,3]", snap)
	}
}

func TestLenAndCapacity(t *testing.T) {
	l := newTestLog(5)
	if l.Capacity() != 5 {
		t.Fatalf("Capacity() = %d, want 5", l.Capacity())
	}
	if l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", l.Len())
	}
	for i := 0; i < 7; i++ {
		l.Append(EventFault, 0, 0, 0, [4]uint64{}, 0)
	}
	if l.Len() != 5 {
		t.Fatalf("Len() after wrap = %d, want 5", l.Len())
	}
}
