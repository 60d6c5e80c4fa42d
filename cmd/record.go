package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jorgeblanc9/grabador-video-linux/config"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/audio"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/avsync"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/encoder"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/events"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/screen"
	"github.com/jorgeblanc9/grabador-video-linux/internal/server/status"
)

type RecordOptions struct {
	Output       string
	Format       string
	Quality      string
	FPS          int
	Region       string
	Display      string
	Monitor      string
	Duration     time.Duration
	Audio        bool
	SampleRate   int
	Channels     int
	Device       string
	AudioBackend string
	Backend      string
	Binary       string
	StatusListen string
	// Synthetic replaces the display and the microphone with generated test
	// sources, for headless checks of the encoder setup.
	Synthetic bool
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the screen, optionally with audio",
		Long: `Record a region of the display to a video file. Recording stops after --duration,
or on Ctrl+C, and the file is finalized before the command returns.`,
		Example: `  grabador record
  grabador record --region 1280x720+0+0 --fps 24 --duration 2m -O demo.mkv --format mkv
  grabador record --monitor HDMI-1
  grabador record --audio --sample-rate 48000 --device alsa_input.usb-mic
  grabador record --duration 0 --status-listen 127.0.0.1:8787`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRecord(ctx, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "O", "", "Output file; the extension follows --format (default: a timestamped file in record.output_dir)")
	flags.StringVarP(&opts.Format, "format", "f", config.GetFormat(), "Container: mp4, avi, mov or mkv")
	flags.StringVarP(&opts.Quality, "quality", "q", config.GetQuality(), "Quality preset: Alta, Media or Baja")
	flags.IntVar(&opts.FPS, "fps", config.GetFPS(), "Frames per second (1-60)")
	flags.StringVarP(&opts.Region, "region", "r", "", "Capture region WxH+X+Y, relative to --monitor (default: the whole monitor)")
	flags.StringVar(&opts.Display, "display", config.GetDisplay(), "X11 display")
	flags.StringVarP(&opts.Monitor, "monitor", "m", config.GetMonitor(), "Output to record, by name or 1-based index (default: the primary output)")
	flags.DurationVarP(&opts.Duration, "duration", "d", config.GetDuration(), "Stop after this long; 0 records until interrupted")
	flags.BoolVarP(&opts.Audio, "audio", "a", config.GetAudioEnabled(), "Record audio")
	flags.IntVar(&opts.SampleRate, "sample-rate", config.GetAudioSampleRate(), "Audio sample rate: 44100, 48000 or 96000")
	flags.IntVar(&opts.Channels, "channels", config.GetAudioChannels(), "Audio channels: 1 or 2")
	flags.StringVar(&opts.Device, "device", config.GetAudioDevice(), "Audio input id (see 'grabador devices'); empty uses the default input")
	flags.StringVar(&opts.AudioBackend, "audio-backend", config.GetAudioBackend(), "Audio capture API: pulse or alsa")
	flags.StringVar(&opts.Backend, "backend", config.GetEncoderBackend(), "Encoder backend: ffmpeg or native")
	flags.StringVar(&opts.Binary, "ffmpeg", config.GetEncoderBinary(), "Path to the ffmpeg binary")
	flags.StringVar(&opts.StatusListen, "status-listen", config.GetStatusListen(), "Serve session events on ws://ADDR/ws")
	flags.BoolVar(&opts.Synthetic, "synthetic", false, "Use generated test sources instead of the display and microphone")
	flags.MarkHidden("synthetic")

	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"mp4", "avi", "mov", "mkv"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("quality", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"Alta", "Media", "Baja"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("backend", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"ffmpeg", "native"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

// sessionConfig turns flags into a SessionConfig. Range checks are left to
// the recorder so the CLI and library report the same errors.
func (o *RecordOptions) sessionConfig(now time.Time) (core.SessionConfig, error) {
	region, err := core.ParseRegion(o.Region)
	if err != nil {
		return core.SessionConfig{}, err
	}
	format, err := core.ParseFormat(o.Format)
	if err != nil {
		return core.SessionConfig{}, err
	}
	quality, err := core.ParseQuality(o.Quality)
	if err != nil {
		return core.SessionConfig{}, err
	}
	output := o.Output
	if output == "" {
		output = filepath.Join(config.GetOutputDir(), "grabacion-"+now.Format("20060102-150405"))
	}
	return core.SessionConfig{
		Region:      region,
		TargetFPS:   o.FPS,
		OutputPath:  output,
		Format:      format,
		Quality:     quality,
		Display:     o.Display,
		Monitor:     o.Monitor,
		MaxDuration: o.Duration,
		Audio: core.AudioConfig{
			Enabled:    o.Audio,
			SampleRate: o.SampleRate,
			Channels:   o.Channels,
			DeviceID:   o.Device,
		},
	}, nil
}

func (o *RecordOptions) managerOptions() (recorder.Options, error) {
	backend, err := encoder.ParseBackend(o.Backend)
	if err != nil {
		return recorder.Options{}, err
	}
	var audioBackend audio.Backend
	switch strings.ToLower(o.AudioBackend) {
	case "", string(audio.BackendPulse):
		audioBackend = audio.BackendPulse
	case string(audio.BackendALSA):
		audioBackend = audio.BackendALSA
	default:
		return recorder.Options{}, core.NewConfigError("audio.backend", "unknown audio backend %q (want pulse or alsa)", o.AudioBackend)
	}

	shutdown := config.GetShutdownTimeout()
	opts := recorder.Options{
		AudioOpener: audio.FFmpegOpener(o.Binary, audioBackend),
		NewSink:     recorder.EncoderFactory(backend, o.Binary, shutdown),
		Sync: avsync.Options{
			Tolerance:       config.GetSyncTolerance(),
			MaxWait:         config.GetSyncMaxWait(),
			DriftCheckEvery: config.GetDriftCheckChunks(),
		},
		VideoQueueSize:  config.GetVideoQueueSize(),
		AudioQueueSize:  config.GetAudioQueueSize(),
		ShutdownTimeout: shutdown,
	}
	if o.Synthetic {
		opts.NewGrabber = func(string) (screen.Grabber, error) {
			return screen.NewSynthetic(640, 480), nil
		}
		opts.AudioOpener = audio.ToneOpener()
	}
	return opts, nil
}

func runRecord(ctx context.Context, opts *RecordOptions, out io.Writer) error {
	cfg, err := opts.sessionConfig(time.Now())
	if err != nil {
		return err
	}
	mopts, err := opts.managerOptions()
	if err != nil {
		return err
	}
	m := recorder.New(mopts)
	defer m.Close()

	if opts.StatusListen != "" {
		srv := status.New(m)
		addr, err := srv.Start(opts.StatusListen)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		fmt.Fprintf(out, "Status events at %s\n", color.CyanString("ws://"+addr+"/ws"))
	}

	progress := m.Subscribe("cli", 16)
	defer m.Unsubscribe("cli")

	h, err := m.Start(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "start recording")
	}
	st, _ := m.Status(h)
	fmt.Fprintf(out, "Recording to %s (press %s to stop)\n",
		color.CyanString(st.Output), color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	done := make(chan struct{})
	var (
		result    recorder.FinalizedOutput
		resultErr error
	)
	go func() {
		defer close(done)
		result, resultErr = m.Wait(context.Background(), h)
	}()

	live := isTerminal(out)
	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			if live {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, "Stopping, finalizing the file...")
			m.Stop(h)
			<-done
			waiting = false
		case <-done:
			waiting = false
		case ev, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if live && ev.Kind == events.KindProgress && ev.Progress != nil {
				fmt.Fprintf(out, "\r%s", formatProgress(*ev.Progress))
			}
			if ev.Kind == events.KindWarning {
				if live {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "%s %s\n", color.New(color.FgYellow).Sprint("warning:"), ev.Message)
			}
		}
	}
	if live {
		fmt.Fprintln(out)
	}

	printSummary(out, result)
	if resultErr != nil {
		fmt.Fprintf(out, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("Recording failed:"), core.Reason(resultErr))
		return resultErr
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func formatProgress(p events.Progress) string {
	line := fmt.Sprintf("%s  frames %d  dropped %d  duplicated %d",
		formatClock(p.Elapsed), p.FramesCaptured, p.FramesDropped, p.FramesDuplicated)
	if p.AudioChunks > 0 {
		line += fmt.Sprintf("  audio %s  drift %+dms", formatBytes(p.AudioBytes), p.LastDrift.Milliseconds())
	}
	if p.Remaining > 0 {
		line += "  remaining " + formatClock(p.Remaining)
	}
	return line
}

func formatClock(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printSummary(w io.Writer, out recorder.FinalizedOutput) {
	if out.Path == "" {
		return
	}
	s := out.Stats
	fmt.Fprintf(w, "Saved %s\n", color.New(color.FgGreen, color.Bold).Sprint(out.Path))
	fmt.Fprintf(w, "  duration %s, %d frames encoded (%d dropped, %d duplicated)\n",
		formatClock(out.Duration), s.FramesEncoded, s.FramesDropped, s.FramesDuplicated)
	if s.AudioChunks > 0 {
		fmt.Fprintf(w, "  audio %s in %d chunks, last drift %+dms, %d corrections\n",
			formatBytes(s.AudioBytes), s.AudioChunks, s.LastDrift.Milliseconds(), s.DriftCorrections)
	}
	if s.BufferOverflows > 0 {
		fmt.Fprintf(w, "  %s audio buffer overflowed %d times\n", color.New(color.FgYellow).Sprint("warning:"), s.BufferOverflows)
	}
}
