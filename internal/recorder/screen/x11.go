package screen

import (
	"log/slog"
	"sync"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/randr"
	"github.com/jezek/xgb/xproto"
	"github.com/pkg/errors"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
	"github.com/jorgeblanc9/grabador-video-linux/internal/util"
)

func init() {
	// xgb reports protocol noise through its own standard logger
	xgb.Logger = util.NewStdLogger("xgb")
}

// X11 grabs the root window of an X display with GetImage. Outputs are
// discovered through RandR when the server has it.
type X11 struct {
	mu     sync.Mutex
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	randr  bool
	logger *slog.Logger
}

// NewX11 connects to display. An empty name uses $DISPLAY.
func NewX11(display string) (*X11, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, errors.Wrapf(ErrNotSupported, "connect to X display %q: %v", display, err)
	}
	setup := xproto.Setup(conn)
	if setup == nil || len(setup.Roots) == 0 {
		conn.Close()
		return nil, errors.Wrap(ErrNotSupported, "X server reported no screens")
	}
	screen := setup.DefaultScreen(conn)
	if screen.RootDepth != 24 && screen.RootDepth != 32 {
		conn.Close()
		return nil, errors.Wrapf(ErrNotSupported, "root depth %d, want 24 or 32", screen.RootDepth)
	}
	g := &X11{
		conn:   conn,
		screen: screen,
		logger: slog.With("component", "x11-grabber"),
	}
	if err := randr.Init(conn); err != nil {
		g.logger.Debug("randr unavailable, using the root window as the only monitor", "error", err)
	} else {
		g.randr = true
	}
	g.logger.Debug("connected", "display", display, "width", screen.WidthInPixels, "height", screen.HeightInPixels, "depth", screen.RootDepth)
	return g, nil
}

// Bounds returns the primary monitor's geometry.
func (g *X11) Bounds() (core.Region, error) {
	m, err := SelectMonitor(g, "")
	if err != nil {
		return core.Region{}, err
	}
	return m.Region, nil
}

func (g *X11) rootMonitor() Monitor {
	return Monitor{
		Index:   1,
		Name:    "root",
		Region:  core.Region{Width: int(g.screen.WidthInPixels), Height: int(g.screen.HeightInPixels)},
		Primary: true,
	}
}

// Monitors lists the connected outputs that drive a CRTC, in server order.
func (g *X11) Monitors() ([]Monitor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil, ErrGrabberClosed
	}
	if !g.randr {
		return []Monitor{g.rootMonitor()}, nil
	}

	root := g.screen.Root
	res, err := randr.GetScreenResourcesCurrent(g.conn, root).Reply()
	if err != nil {
		return nil, errors.Wrap(err, "GetScreenResourcesCurrent")
	}
	var primary randr.Output
	if p, err := randr.GetOutputPrimary(g.conn, root).Reply(); err == nil {
		primary = p.Output
	}

	var monitors []Monitor
	for _, out := range res.Outputs {
		info, err := randr.GetOutputInfo(g.conn, out, res.ConfigTimestamp).Reply()
		if err != nil {
			return nil, errors.Wrap(err, "GetOutputInfo")
		}
		if info.Connection != randr.ConnectionConnected || info.Crtc == 0 {
			continue
		}
		crtc, err := randr.GetCrtcInfo(g.conn, info.Crtc, res.ConfigTimestamp).Reply()
		if err != nil {
			return nil, errors.Wrapf(err, "GetCrtcInfo %s", info.Name)
		}
		if crtc.Width == 0 || crtc.Height == 0 {
			continue
		}
		monitors = append(monitors, Monitor{
			Index:   len(monitors) + 1,
			Name:    string(info.Name),
			Region:  core.Region{X: int(crtc.X), Y: int(crtc.Y), Width: int(crtc.Width), Height: int(crtc.Height)},
			Primary: out == primary,
		})
	}
	if len(monitors) == 0 {
		return []Monitor{g.rootMonitor()}, nil
	}
	if primary == 0 || !hasPrimary(monitors) {
		monitors[0].Primary = true
	}
	return monitors, nil
}

func hasPrimary(ms []Monitor) bool {
	for _, m := range ms {
		if m.Primary {
			return true
		}
	}
	return false
}

func (g *X11) Grab(r core.Region) (*core.VideoFrame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil, ErrGrabberClosed
	}
	if r.X < 0 || r.Y < 0 || r.X+r.Width > core.MaxCoordinate || r.Y+r.Height > core.MaxCoordinate {
		return nil, errors.Errorf("region %s outside the X11 coordinate range", r)
	}

	reply, err := xproto.GetImage(
		g.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(g.screen.Root),
		int16(r.X), int16(r.Y),
		uint16(r.Width), uint16(r.Height),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, errors.Wrapf(err, "GetImage %s", r)
	}

	stride := r.Width * 4
	if len(reply.Data) < stride*r.Height {
		return nil, errors.Errorf("GetImage %s returned %d bytes, want %d", r, len(reply.Data), stride*r.Height)
	}
	pix := reply.Data[:stride*r.Height]
	// depth 24 leaves the pad byte undefined
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xff
	}
	return &core.VideoFrame{
		Width:  r.Width,
		Height: r.Height,
		Stride: stride,
		Format: core.PixelFormatBGRA,
		Pix:    pix,
	}, nil
}

func (g *X11) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	return nil
}

// DisplayMonitors opens display just long enough to list its outputs.
func DisplayMonitors(display string) ([]Monitor, error) {
	g, err := NewX11(display)
	if err != nil {
		return nil, err
	}
	defer g.Close()
	return g.Monitors()
}
