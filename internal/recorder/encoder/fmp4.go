package encoder

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

const fmp4VideoTimeScale = 90000

// scaleToTimescale converts a presentation time into track timescale units.
func scaleToTimescale(pts time.Duration, timeScale uint32) uint64 {
	if pts <= 0 {
		return 0
	}
	return uint64(pts) * uint64(timeScale) / uint64(time.Second)
}

// NewFMP4 returns a sink writing a fragmented MP4 with MJPEG video and
// little-endian PCM audio, one fragment per sample.
func NewFMP4(opts ...Option) *Sink {
	return newSink(&fmp4Backend{}, opts...)
}

type fmp4Track struct {
	id        int
	timeScale uint32
}

type fmp4Backend struct {
	params OpenParams
	logger *slog.Logger
	file   *os.File
	out    *bufio.Writer
	jpeg   *jpegEncoder

	video    fmp4Track
	audio    *fmp4Track
	sequence uint32

	// the pending frame is written once the next one gives its duration
	pending     []byte
	pendingBase uint64
	hasPending  bool

	audioNext    uint64 // next audio base time in samples
	audioStarted bool
}

func (b *fmp4Backend) name() string { return "fmp4" }

func (b *fmp4Backend) open(_ context.Context, p OpenParams) error {
	if p.Format != core.FormatMP4 {
		return core.NewConfigError("format", "the fmp4 backend only writes mp4, got %s", p.Format)
	}
	b.params = p
	b.logger = slog.With("component", "fmp4-encoder")
	b.jpeg = newJPEGEncoder(PresetFor(p.Quality).JPEGQuality)
	b.video = fmp4Track{id: 1, timeScale: fmp4VideoTimeScale}
	b.sequence = 1

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        b.video.id,
				TimeScale: b.video.timeScale,
				Codec: &mp4.CodecMJPEG{
					Width:  p.Video.Width,
					Height: p.Video.Height,
				},
			},
		},
	}
	if p.Audio != nil {
		b.audio = &fmp4Track{id: 2, timeScale: uint32(p.Audio.SampleRate)}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        b.audio.id,
			TimeScale: b.audio.timeScale,
			Codec: &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     16,
				SampleRate:   p.Audio.SampleRate,
				ChannelCount: p.Audio.Channels,
			},
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return &core.EncodingFailure{Err: errors.Wrap(err, "marshal init segment")}
	}

	f, err := os.Create(p.OutputPath)
	if err != nil {
		return &core.EncodingFailure{Err: errors.Wrapf(err, "create %s", p.OutputPath)}
	}
	b.file = f
	b.out = bufio.NewWriterSize(f, 1<<20)
	if _, err := b.out.Write(buf.Bytes()); err != nil {
		f.Close()
		return &core.EncodingFailure{Err: errors.Wrap(err, "write init segment")}
	}
	b.logger.Debug("fMP4 init segment written", "size", len(buf.Bytes()))
	return nil
}

func (b *fmp4Backend) writePart(track int, base uint64, sample *fmp4.Sample) error {
	part := &fmp4.Part{
		SequenceNumber: b.sequence,
		Tracks: []*fmp4.PartTrack{
			{
				ID:       track,
				BaseTime: base,
				Samples:  []*fmp4.Sample{sample},
			},
		},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrap(err, "marshal fragment")
	}
	if _, err := b.out.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write fragment")
	}
	b.sequence++
	return nil
}

func (b *fmp4Backend) write(it core.Item, st *Stats) error {
	switch it.Kind {
	case core.StreamVideo:
		st.VideoItems++
		data, err := b.jpeg.encode(it.Video)
		if err != nil {
			return err
		}
		base := scaleToTimescale(it.PTS, b.video.timeScale)
		if b.hasPending {
			if base <= b.pendingBase {
				// same tick on a 90 kHz clock, keep the newer picture
				b.pending = data
				st.VideoSkipped++
				return nil
			}
			if err := b.flushPending(base - b.pendingBase); err != nil {
				return err
			}
		}
		b.pending, b.pendingBase, b.hasPending = data, base, true
		st.VideoWritten++
	case core.StreamAudio:
		if b.audio == nil {
			return nil
		}
		st.AudioItems++
		c := it.Audio
		if c.SampleRate != b.params.Audio.SampleRate || c.Channels != b.params.Audio.Channels {
			return errors.Errorf("audio format %dHz/%dch does not match stream %dHz/%dch", c.SampleRate, c.Channels, b.params.Audio.SampleRate, b.params.Audio.Channels)
		}
		if !b.audioStarted {
			b.audioStarted = true
			b.audioNext = scaleToTimescale(it.PTS, b.audio.timeScale)
		}
		frames := uint64(c.Samples)
		if frames == 0 {
			frames = uint64(len(c.Data) / (2 * c.Channels))
		}
		if frames == 0 {
			return nil
		}
		if err := b.writePart(b.audio.id, b.audioNext, &fmp4.Sample{
			Duration: uint32(frames),
			Payload:  c.Data,
		}); err != nil {
			return err
		}
		b.audioNext += frames
		st.AudioBytes += uint64(len(c.Data))
	}
	return nil
}

func (b *fmp4Backend) flushPending(duration uint64) error {
	err := b.writePart(b.video.id, b.pendingBase, &fmp4.Sample{
		Duration: uint32(duration),
		Payload:  b.pending,
	})
	b.pending, b.hasPending = nil, false
	return err
}

func (b *fmp4Backend) flush() error {
	return errors.Wrap(b.out.Flush(), "flush fmp4 output")
}

func (b *fmp4Backend) close(time.Time) error {
	if b.hasPending {
		if err := b.flushPending(uint64(b.video.timeScale) / uint64(b.params.Video.FPS)); err != nil {
			b.file.Close()
			return err
		}
	}
	if err := b.out.Flush(); err != nil {
		b.file.Close()
		return errors.Wrap(err, "flush fmp4 output")
	}
	if err := b.file.Close(); err != nil {
		return errors.Wrap(err, "close fmp4 output")
	}
	b.logger.Info("fmp4 file written", "output", b.params.OutputPath, "fragments", b.sequence-1)
	return nil
}

func (b *fmp4Backend) abort() {
	if b.file != nil {
		b.file.Close()
	}
}
