package core

import "time"

// PixelFormat names the byte layout of a VideoFrame's pixel buffer.
type PixelFormat string

const (
	// PixelFormatBGRA is 4 bytes per pixel, blue first, as delivered by X11 ZPixmap on little-endian hosts.
	PixelFormatBGRA PixelFormat = "bgra"
)

// BytesPerPixel returns the pixel size of the format.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatBGRA:
		return 4
	default:
		return 0
	}
}

// VideoFrame is one captured image. Timestamp is measured on the session clock.
type VideoFrame struct {
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Pix       []byte
	Timestamp time.Duration
	Seq       uint64
}

// Size returns the payload length in bytes.
func (f *VideoFrame) Size() int {
	return len(f.Pix)
}

// AudioChunk is one block of interleaved signed 16-bit little-endian PCM.
type AudioChunk struct {
	Data       []byte
	Channels   int
	SampleRate int
	Samples    int // per channel
	Timestamp  time.Duration
	Seq        uint64
}

// Duration returns the playback length of the chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Samples) * time.Second / time.Duration(c.SampleRate)
}

// StreamKind tags an Item with the stream it belongs to.
type StreamKind int

const (
	StreamVideo StreamKind = iota
	StreamAudio
)

func (k StreamKind) String() string {
	switch k {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Item is the unit the synchronizer hands to an encoder sink. Exactly one of
// Video or Audio is set. PTS is relative to the session origin.
type Item struct {
	Kind      StreamKind
	PTS       time.Duration
	Video     *VideoFrame
	Audio     *AudioChunk
	Duplicate bool
}

// VideoItem wraps a frame.
func VideoItem(f *VideoFrame, pts time.Duration) Item {
	return Item{Kind: StreamVideo, PTS: pts, Video: f}
}

// AudioItem wraps a chunk.
func AudioItem(c *AudioChunk, pts time.Duration) Item {
	return Item{Kind: StreamAudio, PTS: pts, Audio: c}
}

// Payload returns the raw bytes carried by the item.
func (it Item) Payload() []byte {
	switch it.Kind {
	case StreamVideo:
		if it.Video != nil {
			return it.Video.Pix
		}
	case StreamAudio:
		if it.Audio != nil {
			return it.Audio.Data
		}
	}
	return nil
}
