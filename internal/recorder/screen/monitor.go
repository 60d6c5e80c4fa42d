package screen

import (
	"strconv"
	"strings"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// Monitor is one output of a display. Region is absolute within the root window.
type Monitor struct {
	Index   int         `json:"index"` // 1-based
	Name    string      `json:"name"`
	Region  core.Region `json:"region"`
	Primary bool        `json:"primary"`
}

// MonitorLister is implemented by grabbers that know the display's outputs.
type MonitorLister interface {
	Monitors() ([]Monitor, error)
}

// ListMonitors returns g's outputs. A grabber that cannot tell them apart
// reports its whole display as a single primary monitor.
func ListMonitors(g Grabber) ([]Monitor, error) {
	if l, ok := g.(MonitorLister); ok {
		return l.Monitors()
	}
	r, err := g.Bounds()
	if err != nil {
		return nil, err
	}
	return []Monitor{{Index: 1, Name: "default", Region: r, Primary: true}}, nil
}

// SelectMonitor picks the output named by sel: empty for the primary one, a
// number for the 1-based index, anything else for the output name.
func SelectMonitor(g Grabber, sel string) (Monitor, error) {
	monitors, err := ListMonitors(g)
	if err != nil {
		return Monitor{}, err
	}
	if len(monitors) == 0 {
		return Monitor{}, ErrNotSupported
	}
	sel = strings.TrimSpace(sel)
	if sel == "" {
		for _, m := range monitors {
			if m.Primary {
				return m, nil
			}
		}
		return monitors[0], nil
	}
	if n, err := strconv.Atoi(sel); err == nil {
		if n < 1 || n > len(monitors) {
			return Monitor{}, core.NewConfigError("monitor", "index %d out of range [1, %d]", n, len(monitors))
		}
		return monitors[n-1], nil
	}
	for _, m := range monitors {
		if strings.EqualFold(m.Name, sel) {
			return m, nil
		}
	}
	return Monitor{}, core.NewConfigError("monitor", "no output named %q", sel)
}
