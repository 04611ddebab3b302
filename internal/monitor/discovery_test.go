package monitor

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"cardreader/internal/card/models"
	"cardreader/internal/card/transport"
	"cardreader/internal/card/transport/mocks"
	"cardreader/internal/output"
)

// fakePCSC behaves like the PC/SC transport: a wait only reports readers the
// caller already knows, returns at once for entries with a zero or stale
// EventCount, and otherwise blocks until a slot changes or the timeout.
type fakePCSC struct {
	mu      sync.Mutex
	slots   map[string]transport.ReaderStatus
	changed chan struct{}
	connect func(name string) (transport.Card, error)

	waits atomic.Int64
	lists atomic.Int64
}

func newFakePCSC() *fakePCSC {
	return &fakePCSC{
		slots:   make(map[string]transport.ReaderStatus),
		changed: make(chan struct{}),
	}
}

func (f *fakePCSC) set(name string, present bool, generation uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := generation<<16 | 0x10
	if present {
		count |= 0x20
	}
	f.slots[name] = transport.ReaderStatus{Name: name, Present: present, EventCount: count, Generation: generation}
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakePCSC) ListReaders(context.Context) ([]string, error) {
	f.lists.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.slots) == 0 {
		return nil, transport.ErrNoReaders
	}
	names := make([]string, 0, len(f.slots))
	for name := range f.slots {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (f *fakePCSC) WaitForChange(ctx context.Context, known []transport.ReaderStatus, timeout time.Duration) ([]transport.ReaderStatus, error) {
	f.waits.Add(1)
	woke := false
	for {
		f.mu.Lock()
		out := make([]transport.ReaderStatus, 0, len(known))
		stale := false
		for _, k := range known {
			st, ok := f.slots[k.Name]
			if !ok {
				stale = true
				continue
			}
			if st.EventCount != k.EventCount {
				stale = true
			}
			out = append(out, st)
		}
		ch := f.changed
		f.mu.Unlock()

		if stale || woke {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, transport.ErrCancelled
		case <-time.After(timeout):
			return nil, transport.ErrTimeout
		case <-ch:
			woke = true
		}
	}
}

func (f *fakePCSC) Connect(_ context.Context, name string) (transport.Card, error) {
	return f.connect(name)
}

func (f *fakePCSC) Release() error { return nil }

func (s *MonitorSuite) useFake(f *fakePCSC) {
	s.factory = func() (transport.Transport, error) {
		s.factoryN.Add(1)
		return f, nil
	}
}

// =============================================================================
// Reader discovery
// =============================================================================

func (s *MonitorSuite) TestDiscoversAttachedReader() {
	fake := newFakePCSC()
	fake.set("R1", true, 1)
	fake.connect = func(string) (transport.Card, error) { return s.card, nil }
	s.useFake(fake)
	s.expectGoodCard()
	s.card.EXPECT().Disconnect().Return(nil)

	stop := s.start(s.newMonitor())

	inserted := s.next()
	s.Equal(models.CardInserted, inserted.Kind)
	s.Equal("R1", inserted.Reader)
	s.Positive(fake.lists.Load())

	time.Sleep(100 * time.Millisecond)
	s.Less(fake.waits.Load(), int64(50), "an idle reader must block in the wait")

	fake.set("R1", false, 2)
	removed := s.next()
	s.Equal(models.CardRemoved, removed.Kind)
	s.Equal(inserted.SessionID, removed.SessionID)

	stop()
	s.expectNoEvent()
}

func (s *MonitorSuite) TestReaderAttachedAfterStart() {
	fake := newFakePCSC()
	fake.connect = func(string) (transport.Card, error) { return s.card, nil }
	s.useFake(fake)
	s.expectGoodCard()
	s.card.EXPECT().Disconnect().Return(nil)

	m := s.newMonitor()
	stop := s.start(m)
	s.expectNoEvent()
	s.Empty(m.Readers())

	fake.set("R2", true, 1)
	inserted := s.next()
	s.Equal(models.CardInserted, inserted.Kind)
	s.Equal("R2", inserted.Reader)

	stop()
	s.Equal(models.CardRemoved, s.next().Kind)
}

// =============================================================================
// Card swapped while reading
// =============================================================================

func (s *MonitorSuite) TestCardSwappedDuringRead() {
	fake := newFakePCSC()
	fake.set("R1", true, 1)
	first := mocks.NewMockCard(s.ctrl)
	cards := []transport.Card{first, s.card}
	fake.connect = func(string) (transport.Card, error) {
		c := cards[0]
		cards = cards[1:]
		return c, nil
	}
	s.useFake(fake)

	first.EXPECT().Transmit(selectCmd).DoAndReturn(func([]byte) ([]byte, error) {
		fake.set("R1", true, 3)
		return nil, transport.ErrCardRemoved
	})
	first.EXPECT().Disconnect().Return(nil)
	s.expectGoodCard()
	s.card.EXPECT().Disconnect().Return(nil)

	stop := s.start(s.newMonitor())

	removed := s.next()
	s.Equal(models.CardRemoved, removed.Kind, "the first card is reported removed")

	inserted := s.next()
	s.Equal(models.CardInserted, inserted.Kind, "the replacement card is read")
	s.NotEqual(removed.SessionID, inserted.SessionID)
	cid, ok := inserted.Fields.Get(output.KeyCitizenID)
	s.True(ok)
	s.Equal(citizenID, cid)

	stop()
	final := s.next()
	s.Equal(models.CardRemoved, final.Kind)
	s.Equal(inserted.SessionID, final.SessionID)
}
