package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	procgroup "github.com/jorgeblanc9/grabador-video-linux/internal/proc_group"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// CheckFFmpeg runs "<binary> -version" and returns its first output line.
func CheckFFmpeg(ctx context.Context, binary string) (string, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	out, err := exec.CommandContext(ctx, binary, "-version").Output()
	if err != nil {
		return "", errors.Wrapf(err, "%s is not usable", binary)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// NewFFmpeg returns a sink that pipes raw BGRA video on stdin and raw s16le
// audio on fd 3 into an ffmpeg child process.
func NewFFmpeg(binary string, opts ...Option) *Sink {
	if binary == "" {
		binary = "ffmpeg"
	}
	return newSink(&ffmpegBackend{binary: binary}, opts...)
}

type ffmpegBackend struct {
	binary string
	params OpenParams
	logger *slog.Logger

	cmd    *exec.Cmd
	video  *pipeWriter
	audio  *pipeWriter
	stderr *tailBuffer
	exited chan struct{}
	waitEr error

	frameSize    int
	nextSlot     int64
	audioStarted bool
}

func (b *ffmpegBackend) name() string { return "ffmpeg" }

// buildFFmpegArgs is kept free of process state so it can be tested directly.
func buildFFmpegArgs(p OpenParams) []string {
	preset := PresetFor(p.Quality)
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-f", "rawvideo",
		"-pix_fmt", string(pixelFormatOrDefault(p.Video.PixelFormat)),
		"-s", fmt.Sprintf("%dx%d", p.Video.Width, p.Video.Height),
		"-r", strconv.Itoa(p.Video.FPS),
		"-thread_queue_size", "512",
		"-i", "pipe:0",
	}
	if p.Audio != nil {
		args = append(args,
			"-f", "s16le",
			"-ar", strconv.Itoa(p.Audio.SampleRate),
			"-ac", strconv.Itoa(p.Audio.Channels),
			"-thread_queue_size", "512",
			"-i", "pipe:3",
		)
	}
	args = append(args, "-map", "0:v:0")
	if p.Audio != nil {
		args = append(args, "-map", "1:a:0")
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", strconv.Itoa(preset.CRF),
		"-maxrate", preset.VideoBitrate,
		"-bufsize", doubleBitrate(preset.VideoBitrate),
		// yuv420p needs even dimensions
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-pix_fmt", "yuv420p",
	)
	if p.Audio != nil {
		codec := "libmp3lame"
		if p.Format == core.FormatMP4 || p.Format == core.FormatMOV {
			codec = "aac"
		}
		args = append(args, "-c:a", codec, "-b:a", preset.AudioBitrate)
	}
	if p.Format == core.FormatMP4 || p.Format == core.FormatMOV {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, p.OutputPath)
}

func pixelFormatOrDefault(f core.PixelFormat) core.PixelFormat {
	if f == "" {
		return core.PixelFormatBGRA
	}
	return f
}

func doubleBitrate(rate string) string {
	digits := strings.TrimSuffix(rate, "k")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return rate
	}
	return strconv.Itoa(n*2) + rate[len(digits):]
}

func (b *ffmpegBackend) open(_ context.Context, p OpenParams) error {
	b.params = p
	b.logger = slog.With("component", "ffmpeg-encoder")
	b.frameSize = p.Video.Width * p.Video.Height * pixelFormatOrDefault(p.Video.PixelFormat).BytesPerPixel()

	// not CommandContext: the encoder must outlive a cancelled session context
	// long enough to finalize the container
	cmd := exec.Command(b.binary, buildFFmpegArgs(p)...)
	procgroup.SetProcGrp(cmd)
	b.stderr = newTailBuffer(8192)
	cmd.Stderr = b.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &core.EncodingFailure{Err: errors.Wrap(err, "video pipe")}
	}

	var audioR, audioW *os.File
	if p.Audio != nil {
		audioR, audioW, err = os.Pipe()
		if err != nil {
			stdin.Close()
			return &core.EncodingFailure{Err: errors.Wrap(err, "audio pipe")}
		}
		cmd.ExtraFiles = []*os.File{audioR} // fd 3 in the child
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		if audioR != nil {
			audioR.Close()
			audioW.Close()
		}
		return &core.EncodingFailure{Err: errors.Wrapf(err, "start %s", b.binary)}
	}
	if audioR != nil {
		audioR.Close()
	}
	b.cmd = cmd
	b.logger.Info("ffmpeg process started", "pid", cmd.Process.Pid, "args", strings.Join(cmd.Args[1:], " "))

	b.exited = make(chan struct{})
	go func() {
		b.waitEr = cmd.Wait()
		close(b.exited)
	}()

	// depth is in frames; raw frames are large so keep it short
	b.video = newPipeWriter("video", stdin, 4)
	if audioW != nil {
		b.audio = newPipeWriter("audio", audioW, 256)
	}
	return nil
}

func (b *ffmpegBackend) write(it core.Item, st *Stats) error {
	var err error
	switch it.Kind {
	case core.StreamVideo:
		err = b.writeVideo(it, st)
	case core.StreamAudio:
		err = b.writeAudio(it, st)
	}
	if err != nil {
		return b.failure(err)
	}
	return nil
}

// writeVideo maps pts onto the constant-rate grid ffmpeg assumes for raw
// input: a frame fills every slot from the next free one up to its own,
// and a frame whose slot is already taken is skipped.
func (b *ffmpegBackend) writeVideo(it core.Item, st *Stats) error {
	st.VideoItems++
	f := it.Video
	if f.Width != b.params.Video.Width || f.Height != b.params.Video.Height {
		return errors.Errorf("frame size %dx%d does not match stream %dx%d", f.Width, f.Height, b.params.Video.Width, b.params.Video.Height)
	}
	pix, err := packed(f)
	if err != nil {
		return err
	}

	slot := int64(math.Round(it.PTS.Seconds() * float64(b.params.Video.FPS)))
	if slot < b.nextSlot {
		st.VideoSkipped++
		return nil
	}
	for ; b.nextSlot <= slot; b.nextSlot++ {
		if err := b.video.write(pix); err != nil {
			return err
		}
		st.VideoWritten++
		if b.nextSlot < slot {
			st.VideoPadded++
		}
	}
	return nil
}

func packed(f *core.VideoFrame) ([]byte, error) {
	row := f.Width * f.Format.BytesPerPixel()
	if row == 0 {
		return nil, errors.Errorf("unsupported pixel format %q", f.Format)
	}
	if f.Stride == row || f.Stride == 0 {
		if len(f.Pix) < row*f.Height {
			return nil, errors.Errorf("frame buffer too short: %d < %d", len(f.Pix), row*f.Height)
		}
		return f.Pix[:row*f.Height], nil
	}
	if len(f.Pix) < f.Stride*(f.Height-1)+row {
		return nil, errors.Errorf("frame buffer too short for stride %d", f.Stride)
	}
	out := make([]byte, row*f.Height)
	for y := 0; y < f.Height; y++ {
		copy(out[y*row:(y+1)*row], f.Pix[y*f.Stride:])
	}
	return out, nil
}

// writeAudio pads the start with silence so audio begins at its pts; after
// that the stream is contiguous and ffmpeg times it by sample count.
func (b *ffmpegBackend) writeAudio(it core.Item, st *Stats) error {
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
		frames := int64(it.PTS.Seconds() * float64(c.SampleRate))
		if frames > 0 {
			silence := make([]byte, frames*int64(c.Channels)*2)
			if err := b.audio.write(silence); err != nil {
				return err
			}
			st.AudioBytes += uint64(len(silence))
		}
	}
	if err := b.audio.write(c.Data); err != nil {
		return err
	}
	st.AudioBytes += uint64(len(c.Data))
	return nil
}

func (b *ffmpegBackend) flush() error {
	if err := b.video.drain(); err != nil {
		return b.failure(err)
	}
	if b.audio != nil {
		if err := b.audio.drain(); err != nil {
			return b.failure(err)
		}
	}
	return nil
}

// failure attaches the exit status and diagnostics when the process is gone.
func (b *ffmpegBackend) failure(err error) error {
	ef := &core.EncodingFailure{Err: err, Diagnostic: b.stderr.String()}
	select {
	case <-b.exited:
		ef.ExitCode = exitCode(b.waitEr)
	case <-time.After(100 * time.Millisecond):
	}
	return ef
}

func (b *ffmpegBackend) close(deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	// Closing a pipe waits for its pending writes, which block for as long
	// as ffmpeg stops reading.
	pipes := make(chan error, 1)
	go func() { pipes <- b.closePipes() }()

	var pipeErr error
	select {
	case pipeErr = <-pipes:
	case <-timer.C:
		return b.killLate(pipes)
	}
	select {
	case <-b.exited:
	case <-timer.C:
		return b.killLate(nil)
	}

	if b.waitEr != nil {
		b.logger.Error("ffmpeg failed", "error", b.waitEr, "stderr", b.stderr.String())
		return &core.EncodingFailure{
			Err:        errors.Wrap(b.waitEr, "encoder exited"),
			ExitCode:   exitCode(b.waitEr),
			Diagnostic: b.stderr.String(),
		}
	}
	if pipeErr != nil {
		return &core.EncodingFailure{Err: pipeErr, Diagnostic: b.stderr.String()}
	}
	b.logger.Info("ffmpeg finished", "output", b.params.OutputPath)
	return nil
}

func (b *ffmpegBackend) closePipes() error {
	var err error
	if b.video != nil {
		err = b.video.close()
	}
	if b.audio != nil {
		if aerr := b.audio.close(); aerr != nil && err == nil {
			err = aerr
		}
	}
	return err
}

// killLate kills the process group once the shutdown deadline has passed.
// The kill breaks any pipe write still pending, so pipes drains promptly.
func (b *ffmpegBackend) killLate(pipes <-chan error) error {
	b.logger.Error("ffmpeg did not finish before the shutdown deadline, killing", "pid", b.cmd.Process.Pid)
	_ = procgroup.Kill(b.cmd)
	<-b.exited
	if pipes != nil {
		<-pipes
	}
	return &core.EncodingFailure{
		Err:        errors.New("encoder did not exit before the shutdown deadline"),
		ExitCode:   exitCode(b.waitEr),
		Diagnostic: b.stderr.String(),
	}
}

func (b *ffmpegBackend) abort() {
	if b.cmd != nil {
		_ = procgroup.Kill(b.cmd)
	}
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
