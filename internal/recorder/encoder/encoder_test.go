package encoder

import (
	"bytes"
	"context"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

func testFrame(w, h int, fill byte) *core.VideoFrame {
	pix := make([]byte, w*h*4)
	for i := range pix {
		pix[i] = fill
	}
	return &core.VideoFrame{Width: w, Height: h, Stride: w * 4, Format: core.PixelFormatBGRA, Pix: pix}
}

func testChunk(rate, ch, samples int) *core.AudioChunk {
	return &core.AudioChunk{
		Data:       make([]byte, samples*ch*2),
		Channels:   ch,
		SampleRate: rate,
		Samples:    samples,
	}
}

// memPipe is an io.WriteCloser collecting everything written to it.
type memPipe struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
	closed bool
	err    error
}

func (m *memPipe) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.writes++
	return m.buf.Write(p)
}

func (m *memPipe) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memPipe) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Len()
}

// fakeBackend records what the sink hands it.
type fakeBackend struct {
	mu       sync.Mutex
	items    []core.Item
	flushes  int
	closed   bool
	aborted  bool
	failAt   int
	closeErr error
	block    chan struct{}
	release  sync.Once
}

func (f *fakeBackend) name() string                           { return "fake" }
func (f *fakeBackend) open(context.Context, OpenParams) error { return nil }

func (f *fakeBackend) write(it core.Item, st *Stats) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, it)
	if it.Kind == core.StreamVideo {
		st.VideoItems++
		st.VideoWritten++
	} else {
		st.AudioItems++
		st.AudioBytes += uint64(len(it.Audio.Data))
	}
	if f.failAt > 0 && len(f.items) == f.failAt {
		return errors.New("disk full")
	}
	return nil
}

func (f *fakeBackend) flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeBackend) close(time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeBackend) abort() {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	f.unblock()
}

func (f *fakeBackend) unblock() {
	if f.block != nil {
		f.release.Do(func() { close(f.block) })
	}
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func videoParams(path string, format core.Format) OpenParams {
	return OpenParams{
		OutputPath: path,
		Format:     format,
		Quality:    core.QualityMedia,
		Video:      VideoParams{Width: 16, Height: 8, FPS: 10, PixelFormat: core.PixelFormatBGRA},
	}
}

func TestSinkDeliversInOrder(t *testing.T) {
	be := &fakeBackend{}
	s := newSink(be)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, videoParams("out.mp4", core.FormatMP4)))

	for i := 0; i < 20; i++ {
		it := core.VideoItem(testFrame(16, 8, byte(i)), time.Duration(i)*100*time.Millisecond)
		if i%2 == 1 {
			it = core.AudioItem(testChunk(48000, 2, 480), time.Duration(i)*100*time.Millisecond)
		}
		require.NoError(t, s.Submit(ctx, it))
	}
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 20, be.count())
	assert.Equal(t, 1, be.flushes)

	require.NoError(t, s.Close())
	assert.True(t, be.closed)
	for i, it := range be.items {
		assert.Equal(t, time.Duration(i)*100*time.Millisecond, it.PTS)
	}
	st := s.Stats()
	assert.Equal(t, uint64(10), st.VideoItems)
	assert.Equal(t, uint64(10), st.AudioItems)
	assert.Equal(t, uint64(10*480*2*2), st.AudioBytes)

	// second close is a no-op, submit after close fails
	assert.NoError(t, s.Close())
	assert.Error(t, s.Submit(ctx, core.VideoItem(testFrame(16, 8, 0), 0)))
}

func TestSinkValidatesParams(t *testing.T) {
	s := newSink(&fakeBackend{})
	p := videoParams("", core.FormatMP4)
	err := s.Open(context.Background(), p)
	var ce *core.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "output", ce.Field)

	p = videoParams("x.mp4", core.FormatMP4)
	p.Video.Width = 0
	err = s.Open(context.Background(), p)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "region", ce.Field)

	p = videoParams("x.mp4", core.FormatMP4)
	p.Audio = &AudioParams{SampleRate: 0, Channels: 2}
	assert.Error(t, s.Open(context.Background(), p))
}

func TestSinkWriteFailureSurfacesAsEncodingFailure(t *testing.T) {
	be := &fakeBackend{failAt: 3}
	s := newSink(be)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, videoParams("out.mkv", core.FormatMKV)))

	var submitErr error
	for i := 0; i < 50 && submitErr == nil; i++ {
		submitErr = s.Submit(ctx, core.VideoItem(testFrame(16, 8, 0), time.Duration(i)*time.Millisecond))
		if submitErr == nil && i >= 3 {
			_ = s.Flush(ctx)
		}
	}
	require.Error(t, submitErr)
	assert.Contains(t, submitErr.Error(), "disk full")

	err := s.Close()
	var ef *core.EncodingFailure
	require.True(t, errors.As(err, &ef))
	assert.Equal(t, "EncodingFailure", core.Reason(err))
}

func TestSinkCloseErrorWrapped(t *testing.T) {
	be := &fakeBackend{closeErr: errors.New("trailer write failed")}
	s := newSink(be)
	require.NoError(t, s.Open(context.Background(), videoParams("out.mp4", core.FormatMP4)))
	err := s.Close()
	var ef *core.EncodingFailure
	require.True(t, errors.As(err, &ef))
	assert.Contains(t, err.Error(), "trailer write failed")
}

func TestSinkSubmitHonoursContext(t *testing.T) {
	be := &fakeBackend{block: make(chan struct{})}
	s := newSink(be, WithQueueSize(1))
	require.NoError(t, s.Open(context.Background(), videoParams("out.mp4", core.FormatMP4)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = s.Submit(ctx, core.VideoItem(testFrame(16, 8, 0), 0))
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	be.unblock()
	require.NoError(t, s.Close())
}

func TestSinkCloseAbortsStuckBackend(t *testing.T) {
	be := &fakeBackend{block: make(chan struct{})}
	s := newSink(be, WithShutdownTimeout(100*time.Millisecond))
	require.NoError(t, s.Open(context.Background(), videoParams("out.mp4", core.FormatMP4)))
	require.NoError(t, s.Submit(context.Background(), core.VideoItem(testFrame(16, 8, 0), 0)))

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()

	select {
	case err := <-closed:
		var ef *core.EncodingFailure
		require.True(t, errors.As(err, &ef))
		assert.Contains(t, err.Error(), "did not drain")
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return after the shutdown timeout")
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	assert.True(t, be.aborted)
	assert.True(t, be.closed)
}

func TestSinkCloseBeforeOpen(t *testing.T) {
	s := newSink(&fakeBackend{})
	assert.NoError(t, s.Close())
	assert.Error(t, s.Submit(context.Background(), core.VideoItem(testFrame(2, 2, 0), 0)))
}

func TestPresets(t *testing.T) {
	assert.Equal(t, []core.Quality{core.QualityAlta, core.QualityMedia, core.QualityBaja}, Presets())
	assert.Equal(t, "5000k", PresetFor(core.QualityAlta).VideoBitrate)
	assert.Equal(t, "128k", PresetFor(core.QualityMedia).AudioBitrate)
	assert.Equal(t, 28, PresetFor(core.QualityBaja).CRF)
	assert.Equal(t, PresetFor(core.QualityAlta), PresetFor("unknown"))
}

func TestDoubleBitrate(t *testing.T) {
	assert.Equal(t, "10000k", doubleBitrate("5000k"))
	assert.Equal(t, "2000", doubleBitrate("1000"))
	assert.Equal(t, "5M", doubleBitrate("5M"))
}

func TestBuildFFmpegArgs(t *testing.T) {
	t.Run("video only mkv", func(t *testing.T) {
		p := videoParams("/tmp/out.mkv", core.FormatMKV)
		args := strings.Join(buildFFmpegArgs(p), " ")
		assert.Contains(t, args, "-f rawvideo -pix_fmt bgra -s 16x8 -r 10")
		assert.Contains(t, args, "-i pipe:0")
		assert.NotContains(t, args, "pipe:3")
		assert.NotContains(t, args, "-c:a")
		assert.NotContains(t, args, "+faststart")
		assert.Contains(t, args, "-crf 23 -maxrate 3000k -bufsize 6000k")
		assert.True(t, strings.HasSuffix(args, " /tmp/out.mkv"))
	})
	t.Run("mp4 with audio", func(t *testing.T) {
		p := videoParams("/tmp/out.mp4", core.FormatMP4)
		p.Quality = core.QualityAlta
		p.Audio = &AudioParams{SampleRate: 44100, Channels: 2}
		args := strings.Join(buildFFmpegArgs(p), " ")
		assert.Contains(t, args, "-f s16le -ar 44100 -ac 2 -thread_queue_size 512 -i pipe:3")
		assert.Contains(t, args, "-map 0:v:0 -map 1:a:0")
		assert.Contains(t, args, "-c:a aac -b:a 192k")
		assert.Contains(t, args, "-movflags +faststart")
	})
	t.Run("avi uses mp3", func(t *testing.T) {
		p := videoParams("/tmp/out.avi", core.FormatAVI)
		p.Quality = core.QualityBaja
		p.Audio = &AudioParams{SampleRate: 22050, Channels: 1}
		args := strings.Join(buildFFmpegArgs(p), " ")
		assert.Contains(t, args, "-c:a libmp3lame -b:a 96k")
	})
}

func newTestFFmpegBackend(p OpenParams) (*ffmpegBackend, *memPipe, *memPipe) {
	video, audio := &memPipe{}, &memPipe{}
	b := &ffmpegBackend{
		params:    p,
		frameSize: p.Video.Width * p.Video.Height * 4,
		stderr:    newTailBuffer(64),
		exited:    make(chan struct{}),
	}
	b.video = newPipeWriter("video", video, 4)
	if p.Audio != nil {
		b.audio = newPipeWriter("audio", audio, 16)
	}
	return b, video, audio
}

func TestFFmpegConstantRateMapping(t *testing.T) {
	p := videoParams("out.mp4", core.FormatMP4) // 10 fps, 100ms slots
	b, video, _ := newTestFFmpegBackend(p)
	var st Stats

	pts := []time.Duration{0, 100 * time.Millisecond, 390 * time.Millisecond, 420 * time.Millisecond, 500 * time.Millisecond}
	for _, ts := range pts {
		require.NoError(t, b.writeVideo(core.VideoItem(testFrame(16, 8, 1), ts), &st))
	}
	require.NoError(t, b.flush())

	// slots 0,1 then 2,3,4 (two padded) for 390ms, 420ms lands on taken slot 4, 500ms fills 5
	assert.Equal(t, uint64(5), st.VideoItems)
	assert.Equal(t, uint64(6), st.VideoWritten)
	assert.Equal(t, uint64(2), st.VideoPadded)
	assert.Equal(t, uint64(1), st.VideoSkipped)
	assert.Equal(t, 6*16*8*4, video.len())
}

func TestFFmpegRejectsWrongFrameSize(t *testing.T) {
	b, _, _ := newTestFFmpegBackend(videoParams("out.mp4", core.FormatMP4))
	var st Stats
	err := b.writeVideo(core.VideoItem(testFrame(8, 8, 0), 0), &st)
	assert.Error(t, err)
}

func TestFFmpegPacksStride(t *testing.T) {
	f := &core.VideoFrame{Width: 2, Height: 2, Stride: 12, Format: core.PixelFormatBGRA, Pix: []byte{
		1, 1, 1, 1, 2, 2, 2, 2, 9, 9, 9, 9,
		3, 3, 3, 3, 4, 4, 4, 4,
	}}
	out, err := packed(f)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}, out)
}

func TestFFmpegLeadingSilence(t *testing.T) {
	p := videoParams("out.mp4", core.FormatMP4)
	p.Audio = &AudioParams{SampleRate: 1000, Channels: 2}
	b, _, audio := newTestFFmpegBackend(p)
	var st Stats

	require.NoError(t, b.writeAudio(core.AudioItem(testChunk(1000, 2, 10), 50*time.Millisecond), &st))
	require.NoError(t, b.writeAudio(core.AudioItem(testChunk(1000, 2, 10), 60*time.Millisecond), &st))
	require.NoError(t, b.flush())

	// 50 frames of silence then two 10-frame chunks
	assert.Equal(t, (50+20)*2*2, audio.len())
	assert.Equal(t, uint64(70*4), st.AudioBytes)
	assert.Equal(t, uint64(2), st.AudioItems)

	err := b.writeAudio(core.AudioItem(testChunk(44100, 2, 10), 70*time.Millisecond), &st)
	assert.Error(t, err)
}

func TestFFmpegEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	version, err := CheckFFmpeg(context.Background(), "ffmpeg")
	require.NoError(t, err)
	assert.Contains(t, version, "ffmpeg")

	path := filepath.Join(t.TempDir(), "out.mkv")
	s := NewFFmpeg("ffmpeg", WithShutdownTimeout(20*time.Second))
	p := videoParams(path, core.FormatMKV)
	p.Audio = &AudioParams{SampleRate: 8000, Channels: 1}
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, p))
	for i := 0; i < 10; i++ {
		pts := time.Duration(i) * 100 * time.Millisecond
		require.NoError(t, s.Submit(ctx, core.AudioItem(testChunk(8000, 1, 800), pts)))
		require.NoError(t, s.Submit(ctx, core.VideoItem(testFrame(16, 8, byte(i*20)), pts)))
	}
	require.NoError(t, s.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, uint64(10), s.Stats().VideoWritten)
}

// stalledEncoder writes a stand-in encoder that never reads its input and
// never exits on its own.
func stalledEncoder(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	script := filepath.Join(t.TempDir(), "stalled-ffmpeg")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 1000\n"), 0o755))
	return script
}

func closeWithin(t *testing.T, s *Sink, limit time.Duration) error {
	t.Helper()
	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		return err
	case <-time.After(limit):
		t.Fatalf("Close still blocked after %s", limit)
		return nil
	}
}

func TestFFmpegCloseKillsEncoderThatStopsReading(t *testing.T) {
	s := NewFFmpeg(stalledEncoder(t), WithShutdownTimeout(300*time.Millisecond))
	p := videoParams(filepath.Join(t.TempDir(), "out.mp4"), core.FormatMP4)
	p.Video.Width, p.Video.Height = 256, 256
	require.NoError(t, s.Open(context.Background(), p))

	// Each frame is larger than a pipe buffer, so the sink backs up quickly.
	var err error
	for i := 0; i < 64 && err == nil; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		err = s.Submit(ctx, core.VideoItem(testFrame(256, 256, byte(i)), time.Duration(i)*100*time.Millisecond))
		cancel()
	}
	require.ErrorIs(t, err, context.DeadlineExceeded)

	start := time.Now()
	err = closeWithin(t, s, 5*time.Second)
	assert.Less(t, time.Since(start), 3*time.Second)
	var ef *core.EncodingFailure
	require.True(t, errors.As(err, &ef), "got %v", err)
}

func TestFFmpegCloseKillsEncoderThatIgnoresEOF(t *testing.T) {
	s := NewFFmpeg(stalledEncoder(t), WithShutdownTimeout(300*time.Millisecond))
	p := videoParams(filepath.Join(t.TempDir(), "out.mkv"), core.FormatMKV)
	p.Audio = &AudioParams{SampleRate: 8000, Channels: 1}
	require.NoError(t, s.Open(context.Background(), p))

	start := time.Now()
	err := closeWithin(t, s, 5*time.Second)
	assert.Less(t, time.Since(start), 3*time.Second)
	var ef *core.EncodingFailure
	require.True(t, errors.As(err, &ef), "got %v", err)
	assert.Contains(t, err.Error(), "shutdown deadline")
	assert.NotZero(t, ef.ExitCode)
}

func TestCheckFFmpegMissingBinary(t *testing.T) {
	_, err := CheckFFmpeg(context.Background(), "/nonexistent/ffmpeg")
	assert.Error(t, err)
}

func TestPipeWriterDrainAndClose(t *testing.T) {
	m := &memPipe{}
	p := newPipeWriter("test", m, 2)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.write([]byte("abcd")))
	}
	require.NoError(t, p.drain())
	assert.Equal(t, 40, m.len())
	require.NoError(t, p.close())
	assert.True(t, m.closed)
	assert.Error(t, p.write([]byte("x")))
}

func TestPipeWriterStickyError(t *testing.T) {
	m := &memPipe{err: errors.New("broken pipe")}
	p := newPipeWriter("video", m, 2)
	require.NoError(t, p.write([]byte("a")))
	err := p.drain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write video pipe")
	assert.Error(t, p.write([]byte("b")))
	assert.Error(t, p.close())
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(16)
	_, _ = tb.Write([]byte("first line\n"))
	assert.Equal(t, "first line", tb.String())
	_, _ = tb.Write([]byte("second\nthird\n"))
	// trimmed to the last 16 bytes, then to whole lines
	assert.Equal(t, "second\nthird", tb.String())
}

func TestJPEGEncoder(t *testing.T) {
	e := newJPEGEncoder(80)
	f := testFrame(32, 16, 0x80)
	data, err := e.encode(f)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())

	_, err = e.encode(&core.VideoFrame{Width: 4, Height: 4, Format: "yuv", Pix: make([]byte, 64)})
	assert.Error(t, err)
	_, err = e.encode(&core.VideoFrame{Width: 4, Height: 4, Format: core.PixelFormatBGRA, Pix: make([]byte, 8)})
	assert.Error(t, err)
}

func writeNative(t *testing.T, s *Sink, p OpenParams) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, p))
	for i := 0; i < 5; i++ {
		pts := time.Duration(i) * 100 * time.Millisecond
		require.NoError(t, s.Submit(ctx, core.AudioItem(testChunk(8000, 2, 800), pts)))
		require.NoError(t, s.Submit(ctx, core.VideoItem(testFrame(16, 8, byte(i*40)), pts)))
	}
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())
}

func TestMatroskaBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mkv")
	p := videoParams(path, core.FormatMKV)
	p.Audio = &AudioParams{SampleRate: 8000, Channels: 2}
	s := NewMatroska()
	writeNative(t, s, p)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 4)
	assert.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, data[:4])
	assert.True(t, bytes.Contains(data, []byte("V_MJPEG")))
	assert.True(t, bytes.Contains(data, []byte("A_PCM/INT/LIT")))
	st := s.Stats()
	assert.Equal(t, uint64(5), st.VideoWritten)
	assert.Equal(t, uint64(5*800*2*2), st.AudioBytes)
}

func TestFMP4Backend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	p := videoParams(path, core.FormatMP4)
	p.Audio = &AudioParams{SampleRate: 8000, Channels: 2}
	s := NewFMP4()
	writeNative(t, s, p)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data[:64], []byte("ftyp")))
	assert.True(t, bytes.Contains(data, []byte("moof")))
	assert.Equal(t, 10, bytes.Count(data, []byte("mdat"))) // five audio and five video fragments
	assert.Equal(t, uint64(5), s.Stats().VideoWritten)
}

func TestNativeBackendRejectsOtherFormats(t *testing.T) {
	dir := t.TempDir()
	err := NewMatroska().Open(context.Background(), videoParams(filepath.Join(dir, "x.mp4"), core.FormatMP4))
	var ce *core.ConfigError
	assert.True(t, errors.As(err, &ce))
	err = NewFMP4().Open(context.Background(), videoParams(filepath.Join(dir, "x.mkv"), core.FormatMKV))
	assert.True(t, errors.As(err, &ce))
}

func TestFactory(t *testing.T) {
	s, err := New(BackendFFmpeg, core.FormatAVI, "")
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg", s.be.name())

	s, err = New(BackendNative, core.FormatMKV, "")
	require.NoError(t, err)
	assert.Equal(t, "matroska", s.be.name())

	s, err = New(BackendNative, core.FormatMP4, "")
	require.NoError(t, err)
	assert.Equal(t, "fmp4", s.be.name())

	for _, f := range []core.Format{core.FormatMOV, core.FormatAVI} {
		_, err = New(BackendNative, f, "")
		var ce *core.ConfigError
		assert.True(t, errors.As(err, &ce), f)
	}

	b, err := ParseBackend(" Native ")
	require.NoError(t, err)
	assert.Equal(t, BackendNative, b)
	b, err = ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, BackendFFmpeg, b)
	_, err = ParseBackend("gstreamer")
	assert.Error(t, err)
}
