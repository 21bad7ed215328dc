package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrBufferOverrun is returned when downstream consumers fall behind by more
// than the configured queue depth. It is fatal for the session that owns the
// buffer; frames are never dropped silently.
var ErrBufferOverrun = errors.New("frame buffer overrun: downstream not keeping up")

// ErrBufferClosed is returned when audio is pushed after Close.
var ErrBufferClosed = errors.New("frame buffer closed")

// FrameBuffer accumulates inbound binary payloads of arbitrary size and
// slices them into fixed-duration frames, forwarded in arrival order through
// a bounded queue. A frame is only emitted once fully populated; the final
// short frame is flushed on Close.
type FrameBuffer struct {
	mu sync.Mutex

	encodingInfo EncodingInfo
	frameBytes   int

	pending []byte
	nextSeq uint64

	frames chan Frame
	closed bool
}

// NewFrameBuffer creates a buffer emitting frames of frameDuration, with a
// queue that holds at most queueDepth complete frames.
func NewFrameBuffer(encodingInfo EncodingInfo, frameDuration time.Duration, queueDepth int) *FrameBuffer {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	frameBytes := encodingInfo.BytesPerDuration(frameDuration)
	if frameBytes <= 0 {
		frameBytes = encodingInfo.BytesPerDuration(20 * time.Millisecond)
	}

	return &FrameBuffer{
		encodingInfo: encodingInfo,
		frameBytes:   frameBytes,
		frames:       make(chan Frame, queueDepth),
	}
}

// Push appends a raw transport payload. Complete frames are forwarded
// immediately; a full queue is an ErrBufferOverrun, never a silent drop.
func (b *FrameBuffer) Push(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}

	b.pending = append(b.pending, payload...)
	for len(b.pending) >= b.frameBytes {
		data := make([]byte, b.frameBytes)
		copy(data, b.pending[:b.frameBytes])
		b.pending = b.pending[b.frameBytes:]

		if err := b.forwardLocked(data); err != nil {
			return err
		}
	}
	return nil
}

func (b *FrameBuffer) forwardLocked(data []byte) error {
	frame := Frame{
		Seq:        b.nextSeq,
		Data:       data,
		CapturedAt: time.Now(),
		Direction:  DirectionInbound,
	}

	select {
	case b.frames <- frame:
		b.nextSeq++
		return nil
	default:
		return ErrBufferOverrun
	}
}

// Frames is the ordered stream of complete frames. The channel is closed
// after Close has flushed any trailing partial frame.
func (b *FrameBuffer) Frames() <-chan Frame {
	return b.frames
}

// Pressure reports how full the queue is, in [0, 1]. The transport uses it to
// pause reads before an overrun becomes fatal.
func (b *FrameBuffer) Pressure() float64 {
	return float64(len(b.frames)) / float64(cap(b.frames))
}

// FrameDuration returns the nominal duration of one emitted frame.
func (b *FrameBuffer) FrameDuration() time.Duration {
	return b.encodingInfo.Duration(b.frameBytes)
}

// Close flushes the trailing partial frame, if any, and closes the frame
// stream. Repeated calls are ignored.
func (b *FrameBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	if len(b.pending) > 0 {
		data := make([]byte, len(b.pending))
		copy(data, b.pending)
		b.pending = nil
		err = b.forwardLocked(data)
	}
	close(b.frames)
	return err
}
