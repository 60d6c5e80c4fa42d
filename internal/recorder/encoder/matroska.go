package encoder

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/pkg/errors"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// Matroska element layouts. Only the fields this writer sets are declared.
type mkvHeader struct {
	EBMLVersion        uint64 `ebml:"EBMLVersion"`
	EBMLReadVersion    uint64 `ebml:"EBMLReadVersion"`
	EBMLMaxIDLength    uint64 `ebml:"EBMLMaxIDLength"`
	EBMLMaxSizeLength  uint64 `ebml:"EBMLMaxSizeLength"`
	DocType            string `ebml:"EBMLDocType"`
	DocTypeVersion     uint64 `ebml:"EBMLDocTypeVersion"`
	DocTypeReadVersion uint64 `ebml:"EBMLDocTypeReadVersion"`
}

type mkvInfo struct {
	TimecodeScale uint64 `ebml:"TimecodeScale"`
	MuxingApp     string `ebml:"MuxingApp"`
	WritingApp    string `ebml:"WritingApp"`
}

type mkvTrackEntry struct {
	Name            string    `ebml:"Name,omitempty"`
	TrackNumber     uint64    `ebml:"TrackNumber"`
	TrackUID        uint64    `ebml:"TrackUID"`
	CodecID         string    `ebml:"CodecID"`
	TrackType       uint64    `ebml:"TrackType"`
	DefaultDuration uint64    `ebml:"DefaultDuration,omitempty"`
	Video           *mkvVideo `ebml:"Video,omitempty"`
	Audio           *mkvAudio `ebml:"Audio,omitempty"`
}

type mkvVideo struct {
	PixelWidth  uint64 `ebml:"PixelWidth"`
	PixelHeight uint64 `ebml:"PixelHeight"`
}

type mkvAudio struct {
	SamplingFrequency float64 `ebml:"SamplingFrequency"`
	Channels          uint64  `ebml:"Channels"`
	BitDepth          uint64  `ebml:"BitDepth"`
}

const (
	mkvTrackVideo = 1
	mkvTrackAudio = 2
	// block timestamps are in TimecodeScale units
	mkvTimecodeScale = uint64(time.Millisecond)
)

// NewMatroska returns a sink writing MJPEG video and PCM audio into a
// Matroska file without an external process.
func NewMatroska(opts ...Option) *Sink {
	return newSink(&matroskaBackend{}, opts...)
}

type matroskaBackend struct {
	params OpenParams
	logger *slog.Logger
	file   *os.File
	video  mkvcore.BlockWriteCloser
	audio  mkvcore.BlockWriteCloser
	jpeg   *jpegEncoder

	fatalMu sync.Mutex
	fatal   error
}

func (b *matroskaBackend) name() string { return "matroska" }

func (b *matroskaBackend) open(_ context.Context, p OpenParams) error {
	if p.Format != core.FormatMKV {
		return core.NewConfigError("format", "the matroska backend only writes mkv, got %s", p.Format)
	}
	b.params = p
	b.logger = slog.With("component", "matroska-encoder")
	b.jpeg = newJPEGEncoder(PresetFor(p.Quality).JPEGQuality)

	f, err := os.Create(p.OutputPath)
	if err != nil {
		return &core.EncodingFailure{Err: errors.Wrapf(err, "create %s", p.OutputPath)}
	}
	b.file = f

	tracks := []mkvcore.TrackDescription{
		{
			TrackNumber: mkvTrackVideo,
			TrackEntry: mkvTrackEntry{
				Name:            "Video",
				TrackNumber:     mkvTrackVideo,
				TrackUID:        uint64(time.Now().UnixNano()),
				CodecID:         "V_MJPEG",
				TrackType:       1,
				DefaultDuration: uint64(time.Second / time.Duration(p.Video.FPS)),
				Video: &mkvVideo{
					PixelWidth:  uint64(p.Video.Width),
					PixelHeight: uint64(p.Video.Height),
				},
			},
		},
	}
	if p.Audio != nil {
		tracks = append(tracks, mkvcore.TrackDescription{
			TrackNumber: mkvTrackAudio,
			TrackEntry: mkvTrackEntry{
				Name:        "Audio",
				TrackNumber: mkvTrackAudio,
				TrackUID:    uint64(time.Now().UnixNano()) + 1,
				CodecID:     "A_PCM/INT/LIT",
				TrackType:   2,
				Audio: &mkvAudio{
					SamplingFrequency: float64(p.Audio.SampleRate),
					Channels:          uint64(p.Audio.Channels),
					BitDepth:          16,
				},
			},
		})
	}

	writers, err := mkvcore.NewSimpleBlockWriter(f, tracks,
		mkvcore.WithEBMLHeader(mkvHeader{
			EBMLVersion:        1,
			EBMLReadVersion:    1,
			EBMLMaxIDLength:    4,
			EBMLMaxSizeLength:  8,
			DocType:            "matroska",
			DocTypeVersion:     4,
			DocTypeReadVersion: 2,
		}),
		mkvcore.WithSegmentInfo(mkvInfo{
			TimecodeScale: mkvTimecodeScale,
			MuxingApp:     "grabador",
			WritingApp:    "grabador",
		}),
		mkvcore.WithOnFatalHandler(func(err error) {
			b.logger.Error("matroska writer fatal error", "error", err)
			b.fatalMu.Lock()
			b.fatal = err
			b.fatalMu.Unlock()
		}),
	)
	if err != nil {
		f.Close()
		return &core.EncodingFailure{Err: errors.Wrap(err, "create matroska writer")}
	}
	b.video = writers[0]
	if p.Audio != nil {
		b.audio = writers[1]
	}
	return nil
}

func (b *matroskaBackend) fatalErr() error {
	b.fatalMu.Lock()
	defer b.fatalMu.Unlock()
	return b.fatal
}

func (b *matroskaBackend) write(it core.Item, st *Stats) error {
	if err := b.fatalErr(); err != nil {
		return err
	}
	ts := int64(it.PTS / time.Millisecond)
	switch it.Kind {
	case core.StreamVideo:
		st.VideoItems++
		data, err := b.jpeg.encode(it.Video)
		if err != nil {
			return err
		}
		if _, err := b.video.Write(true, ts, data); err != nil {
			return errors.Wrap(err, "write video block")
		}
		st.VideoWritten++
	case core.StreamAudio:
		if b.audio == nil {
			return nil
		}
		st.AudioItems++
		if _, err := b.audio.Write(true, ts, it.Audio.Data); err != nil {
			return errors.Wrap(err, "write audio block")
		}
		st.AudioBytes += uint64(len(it.Audio.Data))
	}
	return nil
}

func (b *matroskaBackend) flush() error {
	return b.fatalErr()
}

func (b *matroskaBackend) close(time.Time) error {
	var first error
	if b.audio != nil {
		if err := b.audio.Close(); err != nil {
			first = err
		}
	}
	if err := b.video.Close(); err != nil && first == nil {
		first = err
	}
	if first != nil {
		return errors.Wrap(first, "finalize matroska")
	}
	b.logger.Info("matroska file written", "output", b.params.OutputPath)
	return b.fatalErr()
}

func (b *matroskaBackend) abort() {
	if b.file != nil {
		b.file.Close()
	}
}
