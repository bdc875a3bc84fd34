package translator

import (
	"time"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
)

// WSImageState is one state of the image-generation WebSocket state machine
// (spec.md §4.3), grounded on internal/client/gemini-web/media.go's image
// download/classification flow in the teacher, generalized from
// HTTP-GET-then-save to classifying successive binary WS frames by size.
type WSImageState string

const (
	StateOpening         WSImageState = "opening"
	StateAwaitingPreview WSImageState = "awaiting_preview"
	StateAwaitingMedium  WSImageState = "awaiting_medium"
	StateAwaitingFinal   WSImageState = "awaiting_final"
	StateClosed          WSImageState = "closed"
)

// FrameKind classifies one received frame.
type FrameKind string

const (
	FramePreview FrameKind = "preview"
	FrameMedium  FrameKind = "medium"
	FrameFinal   FrameKind = "final"
)

// FrameResult is the classification of one fed frame.
type FrameResult struct {
	Kind  FrameKind
	Bytes []byte
}

// WSImageSession drives one image-generation WebSocket exchange through its
// state machine. Not safe for concurrent use; one session per request.
type WSImageSession struct {
	mediumMinBytes int
	finalMinBytes  int
	finalTimeout   time.Duration

	state        WSImageState
	mediumSeenAt time.Time
}

// NewWSImageSession starts a session in StateOpening.
func NewWSImageSession(mediumMinBytes, finalMinBytes int, finalTimeout time.Duration) *WSImageSession {
	return &WSImageSession{
		mediumMinBytes: mediumMinBytes,
		finalMinBytes:  finalMinBytes,
		finalTimeout:   finalTimeout,
		state:          StateOpening,
	}
}

// Opened transitions out of StateOpening once the connection is established.
func (s *WSImageSession) Opened() { s.state = StateAwaitingPreview }

// State reports the session's current state.
func (s *WSImageSession) State() WSImageState { return s.state }

// Deadline reports when the current wait should be treated as expired: the
// final_timeout once a medium checkpoint has been seen, or the zero value
// when no deadline currently applies (caller falls back to its own idle
// timeout).
func (s *WSImageSession) Deadline() time.Time {
	if s.state == StateAwaitingFinal {
		return s.mediumSeenAt.Add(s.finalTimeout)
	}
	return time.Time{}
}

// Feed classifies one received frame and advances the state machine.
func (s *WSImageSession) Feed(frame []byte) (FrameResult, error) {
	size := len(frame)

	switch s.state {
	case StateAwaitingFinal:
		if size >= s.finalMinBytes {
			s.state = StateClosed
			return FrameResult{Kind: FrameFinal, Bytes: frame}, nil
		}
		// Another sub-final frame while waiting; stay put, it's not emitted.
		return FrameResult{Kind: FramePreview, Bytes: frame}, nil

	case StateAwaitingPreview, StateAwaitingMedium:
		switch {
		case size >= s.finalMinBytes:
			s.state = StateClosed
			return FrameResult{Kind: FrameFinal, Bytes: frame}, nil
		case size >= s.mediumMinBytes:
			s.state = StateAwaitingFinal
			s.mediumSeenAt = time.Now()
			return FrameResult{Kind: FrameMedium, Bytes: frame}, nil
		default:
			s.state = StateAwaitingMedium
			return FrameResult{Kind: FramePreview, Bytes: frame}, nil
		}

	default: // StateOpening, StateClosed
		return FrameResult{}, gatewayerr.New(gatewayerr.KindProtocolError, "frame received outside an open session")
	}
}

// Expire is called when the caller observes Deadline() has passed without a
// final frame arriving; it closes the session with a translator_blocked
// error per spec.md §4.3.
func (s *WSImageSession) Expire() error {
	s.state = StateClosed
	return gatewayerr.New(gatewayerr.KindBlocked, "no final image frame before final_timeout; likely content policy block")
}
