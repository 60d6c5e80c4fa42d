package audio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	procgroup "github.com/jorgeblanc9/grabador-video-linux/internal/proc_group"
)

// Device is an open capture device delivering interleaved s16le PCM.
// Read blocks until data is available; Close unblocks a pending Read.
type Device interface {
	io.ReadCloser
}

// DeviceSpec selects a device and its sample format.
type DeviceSpec struct {
	ID         string
	SampleRate int
	Channels   int
}

// Opener opens a device. It is the seam tests use to inject fakes.
type Opener func(ctx context.Context, spec DeviceSpec) (Device, error)

// Backend is the capture API ffmpeg reads from.
type Backend string

const (
	BackendPulse Backend = "pulse"
	BackendALSA  Backend = "alsa"
)

// FFmpegOpener captures through an ffmpeg child that writes raw PCM to its stdout.
func FFmpegOpener(binary string, backend Backend) Opener {
	return func(ctx context.Context, spec DeviceSpec) (Device, error) {
		return openFFmpeg(ctx, binary, backend, spec)
	}
}

type ffmpegDevice struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	logger *slog.Logger

	once      sync.Once
	waitErr   error
	closeOnce sync.Once
	closed    chan struct{}
}

func openFFmpeg(ctx context.Context, binary string, backend Backend, spec DeviceSpec) (*ffmpegDevice, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	id := spec.ID
	if id == "" {
		id = "default"
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", string(backend), "-i", id,
		"-ac", strconv.Itoa(spec.Channels), "-ar", strconv.Itoa(spec.SampleRate),
		"-f", "s16le", "-acodec", "pcm_s16le", "pipe:1",
	}
	cmd := exec.Command(binary, args...)
	procgroup.SetProcGrp(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "audio stdout pipe")
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = &limitedWriter{buf: stderr, max: 4096}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", binary)
	}
	d := &ffmpegDevice{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		logger: slog.With("component", "audio-device", "backend", string(backend), "device", id),
		closed: make(chan struct{}),
	}
	d.logger.Info("audio capture process started", "pid", cmd.Process.Pid)

	go func() {
		select {
		case <-ctx.Done():
			d.Close()
		case <-d.closed:
		}
	}()
	return d, nil
}

func (d *ffmpegDevice) wait() error {
	d.once.Do(func() {
		d.waitErr = d.cmd.Wait()
	})
	return d.waitErr
}

func (d *ffmpegDevice) Read(p []byte) (int, error) {
	n, err := d.stdout.Read(p)
	if err == io.EOF {
		if werr := d.wait(); werr != nil {
			return n, errors.Wrapf(werr, "audio process exited: %s", strings.TrimSpace(d.stderr.String()))
		}
	}
	return n, err
}

func (d *ffmpegDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		_ = procgroup.Kill(d.cmd)
		d.wait()
		d.logger.Debug("audio capture process stopped")
	})
	return nil
}

// limitedWriter keeps the first max bytes of a child's diagnostics.
type limitedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

// DeviceInfo describes one capture source the host offers.
type DeviceInfo struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Backend     Backend `json:"backend"`
	Default     bool    `json:"default"`
}

// ListDevices asks PulseAudio first and falls back to ALSA.
func ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	if out, err := exec.CommandContext(ctx, "pactl", "list", "short", "sources").Output(); err == nil {
		devices := parsePactlSources(out)
		if def, err := exec.CommandContext(ctx, "pactl", "get-default-source").Output(); err == nil {
			name := strings.TrimSpace(string(def))
			for i := range devices {
				devices[i].Default = devices[i].ID == name
			}
		}
		return devices, nil
	}
	out, err := exec.CommandContext(ctx, "arecord", "-L").Output()
	if err != nil {
		return nil, errors.Wrap(err, "no audio device listing tool available (tried pactl and arecord)")
	}
	return parseArecordList(out), nil
}

// pactl short format: index, name, driver, sample spec, state; tab separated.
func parsePactlSources(out []byte) []DeviceInfo {
	var devices []DeviceInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 2 {
			continue
		}
		d := DeviceInfo{ID: fields[1], Backend: BackendPulse}
		if len(fields) >= 4 {
			d.Description = fields[3]
		}
		devices = append(devices, d)
	}
	return devices
}

// arecord -L prints a device name at column 0 followed by indented description lines.
func parseArecordList(out []byte) []DeviceInfo {
	var devices []DeviceInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			devices = append(devices, DeviceInfo{ID: line, Backend: BackendALSA, Default: line == "default"})
			continue
		}
		if n := len(devices); n > 0 && devices[n-1].Description == "" {
			devices[n-1].Description = strings.TrimSpace(line)
		}
	}
	return devices
}
