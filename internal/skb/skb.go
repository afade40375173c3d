// Package skb implements the packet buffer described in the PGM core:
// a contiguous byte region addressed by four monotone cursors
// (head <= data <= tail <= end), reference-counted, carrying a copy of
// the packet's TSI, its sequence number, and offsets into the parsed
// wire header.
//
// Ownership is move-only by convention rather than by the compiler:
// the sender lane owns an outgoing SKB until it hands it to the
// transmit window; the transmit window owns it until evicted; receive
// window slots own their SKB outright. Clone is the only explicit way
// to share one, and every Clone must be matched by a Release;
// retransmit instead takes an independent copy (CloneData), so the
// original in the transmit window is never mutated.
package skb

import (
	"sync/atomic"

	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/sqn"
)

// TSI is the 8-byte Transport Session Identifier: a 6-byte Global
// Source Identifier followed by a 2-byte source port, compared and
// hashed bitwise.
type TSI [8]byte

// FragmentOption mirrors OPT_FRAGMENT: the APDU this packet belongs
// to, its offset within that APDU, and the APDU's total length.
type FragmentOption struct {
	APDUFirstSqn sqn.Sqn
	FragOffset   uint32
	APDULength   uint32
}

// SKB is a reference-counted packet buffer.
type SKB struct {
	buf  []byte
	head int
	data int
	tail int
	end  int

	TSI         TSI
	Sqn         sqn.Sqn
	HeaderStart int // offset of the parsed PGM header within buf
	HeaderEnd   int // offset just past options, start of payload
	Fragment    *FragmentOption

	refcount *int32
}

// Allocate returns a new SKB over a freshly allocated capacity-byte
// region, with all cursors collapsed to the start (empty buffer with
// room to grow in either direction via Reserve/Put).
func Allocate(capacity int) (*SKB, error) {
	if capacity <= 0 {
		return nil, pgmerr.New(pgmerr.OutOfMemory, "non-positive capacity %d", capacity)
	}
	rc := int32(1)
	return &SKB{
		buf:      make([]byte, capacity),
		head:     0,
		data:     0,
		tail:     0,
		end:      capacity,
		refcount: &rc,
	}, nil
}

// Clone returns a new handle to the same underlying storage with the
// refcount incremented. The clone shares cursors at the moment of
// cloning but has its own cursor state thereafter is NOT supported:
// clones alias the same *SKB metadata intentionally, matching "shared
// mutable state, mutation move-only" - callers that need independent
// cursors should Allocate and copy Data() instead.
func (s *SKB) Clone() *SKB {
	atomic.AddInt32(s.refcount, 1)
	return s
}

// Release decrements the refcount, freeing the backing storage when it
// reaches zero. Using s after the final Release is a programming error.
func (s *SKB) Release() {
	if atomic.AddInt32(s.refcount, -1) == 0 {
		s.buf = nil
	}
}

// Refcount reports the current reference count, for tests.
func (s *SKB) Refcount() int32 {
	return atomic.LoadInt32(s.refcount)
}

// Reserve advances the data cursor forward by n, reserving head room
// (e.g. for IP/UDP headers prepended later). If data would pass tail,
// tail is advanced by n as well; fails with Capacity if that would push
// tail past end.
func (s *SKB) Reserve(n int) error {
	if s.data+n > s.tail {
		if s.tail+n > s.end {
			return pgmerr.New(pgmerr.Capacity, "reserve(%d) exceeds end", n)
		}
		s.tail += n
	}
	s.data += n
	return nil
}

// Put advances the tail cursor by n, growing the in-use region.
// Fails with Capacity if it would push tail past end.
func (s *SKB) Put(n int) ([]byte, error) {
	if s.tail+n > s.end {
		return nil, pgmerr.New(pgmerr.Capacity, "put(%d) exceeds end (tail=%d end=%d)", n, s.tail, s.end)
	}
	start := s.tail
	s.tail += n
	return s.buf[start:s.tail], nil
}

// Push moves the data cursor backward by n, growing the in-use region
// at the front (e.g. to prepend a header after payload was written).
// Fails with Capacity if it would push data before head.
func (s *SKB) Push(n int) ([]byte, error) {
	if s.data-n < s.head {
		return nil, pgmerr.New(pgmerr.Capacity, "push(%d) precedes head (data=%d head=%d)", n, s.data, s.head)
	}
	s.data -= n
	return s.buf[s.data : s.data+n], nil
}

// Pull moves the data cursor forward by n, consuming n bytes from the
// front of the in-use region (e.g. after parsing a header).
// Fails with Capacity if it would push data past tail.
func (s *SKB) Pull(n int) ([]byte, error) {
	if s.data+n > s.tail {
		return nil, pgmerr.New(pgmerr.Capacity, "pull(%d) exceeds tail (data=%d tail=%d)", n, s.data, s.tail)
	}
	start := s.data
	s.data += n
	return s.buf[start:s.data], nil
}

// Data returns the current in-use region [data:tail]. The slice is
// only valid until the next cursor mutation.
func (s *SKB) Data() []byte {
	return s.buf[s.data:s.tail]
}

// HeadroomLen reports the bytes available for Push before hitting head.
func (s *SKB) HeadroomLen() int {
	return s.data - s.head
}

// Len reports the current payload length (tail - data).
func (s *SKB) Len() int {
	return s.tail - s.data
}

// CloneData returns a freshly allocated SKB containing a copy of s's
// current data region, with its own independent cursors. Used when a
// component (e.g. FEC decode) must produce an SKB it can mutate
// without affecting anything aliasing the original.
func CloneData(s *SKB) (*SKB, error) {
	out, err := Allocate(s.Len())
	if err != nil {
		return nil, err
	}
	b, err := out.Put(s.Len())
	if err != nil {
		return nil, err
	}
	copy(b, s.Data())
	out.TSI = s.TSI
	out.Sqn = s.Sqn
	if s.Fragment != nil {
		frag := *s.Fragment
		out.Fragment = &frag
	}
	return out, nil
}
