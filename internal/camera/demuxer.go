package camera

import (
	"bytes"
	"time"

	"github.com/SlyRix/FotoBox-sub000/internal/logger"
)

var (
	soiMarker = []byte{0xFF, 0xD8}
	eoiMarker = []byte{0xFF, 0xD9}
)

// Frame is one complete JPEG image extracted from the continuous capture stream
type Frame struct {
	Data      []byte
	Timestamp time.Time
	Seq       uint64
}

// Demuxer splits the capture process's continuous byte stream into discrete
// JPEG frames delimited by the SOI (FF D8) and EOI (FF D9) markers. Chunk
// boundaries never align with frame boundaries, so incomplete data is
// retained between calls. Not safe for concurrent use; the supervisor's
// reader goroutine is the only caller.
type Demuxer struct {
	buf     []byte
	maxSize int
	seq     uint64
}

// NewDemuxer creates a demuxer that discards its buffer once it grows past
// maxSize without yielding a complete frame
func NewDemuxer(maxSize int) *Demuxer {
	return &Demuxer{maxSize: maxSize}
}

// Append adds a chunk of raw stream bytes and returns every complete frame
// that can now be extracted, in stream order. Garbage before a start marker
// is dropped together with the frame that follows it.
func (d *Demuxer) Append(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		start := bytes.Index(d.buf, soiMarker)
		if start < 0 {
			break
		}
		rel := bytes.Index(d.buf[start+len(soiMarker):], eoiMarker)
		if rel < 0 {
			break
		}
		end := start + len(soiMarker) + rel + len(eoiMarker)

		data := make([]byte, end-start)
		copy(data, d.buf[start:end])
		frames = append(frames, Frame{
			Data:      data,
			Timestamp: time.Now(),
			Seq:       d.seq,
		})
		d.seq++

		d.buf = d.buf[end:]
	}

	// Safety valve against corrupt or never-terminating streams
	if len(d.buf) > d.maxSize {
		logger.WithComponent("demuxer").Warn().
			Int("buffered", len(d.buf)).
			Int("max", d.maxSize).
			Msg("Frame buffer overflow, discarding buffer")
		d.buf = nil
	}

	return frames
}

// Buffered returns the number of bytes currently retained
func (d *Demuxer) Buffered() int {
	return len(d.buf)
}

// Reset discards any retained bytes
func (d *Demuxer) Reset() {
	d.buf = nil
}
