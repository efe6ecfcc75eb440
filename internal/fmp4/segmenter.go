package fmp4

import (
	"log/slog"
)

// Keyframe heuristic tunables. Keyframe fragments are identified by size
// rather than by parsing sample flags: an I-frame fragment is an order of
// magnitude larger than its P-frame neighbours at these encoder settings.
const (
	// sizeWindow is how many recent fragment sizes are tracked.
	sizeWindow = 20
	// earlyFragments is the warm-up during which the absolute floor applies.
	earlyFragments = 5
	// earlyMinSize is the absolute floor during warm-up.
	earlyMinSize = 300 << 10
	// keyframeRatio tags a fragment at or above this share of the largest
	// size in the window.
	keyframeRatio = 0.7
)

// Segmenter drives a Parser and classifies boxes for three consumers:
//
//   - init capture: the first ftyp and the first moov form the init
//     segment; OnInit fires exactly once per session.
//   - media forwarding: every box is handed to OnBox in arrival order.
//   - snapshot picking: moof+mdat pairs are accumulated and, when the
//     size heuristic tags one as a likely keyframe, OnKeyframe receives a
//     self-contained init+fragment seed.
//
// Segmenter implements io.Writer so the encoder output pump can copy
// straight into it. It is not safe for concurrent use; the single output
// pump is the only writer.
type Segmenter struct {
	logger *slog.Logger
	parser Parser

	onInit     func(init []byte)
	onBox      func(box Box)
	onKeyframe func(seed []byte)

	initFtyp []byte
	initMoov []byte
	initDone bool

	candidate     []byte
	candidateOpen bool
	fragmentCount int
	recentSizes   []int
}

// NewSegmenter creates a segmenter. Any callback may be nil.
func NewSegmenter(logger *slog.Logger, onInit func([]byte), onBox func(Box), onKeyframe func([]byte)) *Segmenter {
	return &Segmenter{
		logger:     logger.With(slog.String("component", "segmenter")),
		onInit:     onInit,
		onBox:      onBox,
		onKeyframe: onKeyframe,
	}
}

// Write feeds encoder output through the parser. A parse error is
// returned to the pump, which ends the session.
func (s *Segmenter) Write(p []byte) (int, error) {
	if err := s.parser.Feed(p, func(b Box) error {
		s.handleBox(b)
		return nil
	}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// InitComplete reports whether both init boxes have been captured.
func (s *Segmenter) InitComplete() bool {
	return s.initDone
}

// Reset clears all per-session state for a fresh encoder session.
func (s *Segmenter) Reset() {
	s.parser.Reset()
	s.initFtyp = nil
	s.initMoov = nil
	s.initDone = false
	s.candidate = nil
	s.candidateOpen = false
	s.fragmentCount = 0
	s.recentSizes = s.recentSizes[:0]
}

func (s *Segmenter) handleBox(b Box) {
	if !s.initDone {
		switch {
		case b.Type == TypeFtyp && s.initFtyp == nil:
			s.initFtyp = b.Data
			return
		case b.Type == TypeMoov && s.initFtyp != nil:
			s.initMoov = b.Data
			s.initDone = true
			s.logger.Info("init segment captured",
				slog.Int("ftypBytes", len(s.initFtyp)),
				slog.Int("moovBytes", len(s.initMoov)))
			if s.onInit != nil {
				s.onInit(s.initSegment())
			}
			return
		}
		// Anything else before init completes falls through to forwarding;
		// the hub gates subscribers on init anyway.
	}

	if s.onBox != nil {
		s.onBox(b)
	}

	switch b.Type {
	case TypeMoof:
		// A moof while a candidate is open means the previous moof never
		// got its mdat; start over with the new one.
		s.candidate = append(s.candidate[:0], b.Data...)
		s.candidateOpen = true
		s.fragmentCount++
	case TypeMdat:
		if !s.candidateOpen {
			// Orphan mdat: forwarded above for live delivery, ignored here.
			return
		}
		s.candidate = append(s.candidate, b.Data...)
		s.candidateOpen = false
		s.finalizeCandidate()
	}
}

func (s *Segmenter) finalizeCandidate() {
	size := len(s.candidate)

	s.recentSizes = append(s.recentSizes, size)
	if len(s.recentSizes) > sizeWindow {
		s.recentSizes = s.recentSizes[1:]
	}
	largest := 0
	for _, n := range s.recentSizes {
		if n > largest {
			largest = n
		}
	}

	keyframe := (s.fragmentCount < earlyFragments && size > earlyMinSize) ||
		float64(size) >= keyframeRatio*float64(largest)

	if !keyframe || !s.initDone || s.onKeyframe == nil {
		return
	}

	init := s.initSegment()
	seed := make([]byte, 0, len(init)+size)
	seed = append(seed, init...)
	seed = append(seed, s.candidate...)
	s.logger.Debug("keyframe fragment tagged",
		slog.Int("fragmentBytes", size),
		slog.Int("largestSeen", largest),
		slog.Int("fragments", s.fragmentCount))
	s.onKeyframe(seed)
}

func (s *Segmenter) initSegment() []byte {
	init := make([]byte, 0, len(s.initFtyp)+len(s.initMoov))
	init = append(init, s.initFtyp...)
	init = append(init, s.initMoov...)
	return init
}
