package frame

// NextID returns the frame id following id, wrapping at 65536.
func NextID(id uint16) uint16 { return id + 1 }

// Sequence watches frame ids on the receiving side and counts gaps and
// repeats. The codec itself never looks at ids.
type Sequence struct {
	started bool
	last    uint16

	Received   uint64 `json:"received"`
	Lost       uint64 `json:"lost"`
	Duplicates uint64 `json:"duplicates"`
	Reordered  uint64 `json:"reordered"`
}

// Observe records id and returns how many frames were skipped before it.
func (s *Sequence) Observe(id uint16) int {
	s.Received++
	if !s.started {
		s.started = true
		s.last = id
		return 0
	}
	delta := id - s.last
	switch {
	case delta == 0:
		s.Duplicates++
		return 0
	case delta >= 0x8000:
		// Far behind the last id: a late frame or a device restart.
		s.Reordered++
		s.last = id
		return 0
	}
	s.last = id
	gap := int(delta) - 1
	s.Lost += uint64(gap)
	return gap
}

// Reset forgets the last id, e.g. after a new stream is started.
func (s *Sequence) Reset() {
	*s = Sequence{}
}
