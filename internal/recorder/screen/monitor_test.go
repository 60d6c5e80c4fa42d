package screen

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

func dualHead() *Synthetic {
	return NewSynthetic(3840, 1080, WithMonitors(
		Monitor{Index: 1, Name: "HDMI-1", Region: core.Region{Width: 1920, Height: 1080}},
		Monitor{Index: 2, Name: "eDP-1", Region: core.Region{X: 1920, Width: 1920, Height: 1080}, Primary: true},
	))
}

func TestBoundsFollowPrimaryMonitor(t *testing.T) {
	b, err := dualHead().Bounds()
	require.NoError(t, err)
	assert.Equal(t, core.Region{X: 1920, Width: 1920, Height: 1080}, b)

	b, err = NewSynthetic(64, 48).Bounds()
	require.NoError(t, err)
	assert.Equal(t, core.Region{Width: 64, Height: 48}, b)
}

func TestSelectMonitor(t *testing.T) {
	g := dualHead()
	tests := []struct {
		sel  string
		want string
	}{
		{"", "eDP-1"},
		{"1", "HDMI-1"},
		{"2", "eDP-1"},
		{"hdmi-1", "HDMI-1"},
	}
	for _, tt := range tests {
		t.Run(tt.sel, func(t *testing.T) {
			m, err := SelectMonitor(g, tt.sel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Name)
		})
	}

	for _, sel := range []string{"0", "3", "DP-9"} {
		_, err := SelectMonitor(g, sel)
		var ce *core.ConfigError
		require.True(t, errors.As(err, &ce), "selector %q: %v", sel, err)
		assert.Equal(t, "monitor", ce.Field)
	}
}

func TestSelectMonitorWithoutPrimaryTakesFirst(t *testing.T) {
	g := NewSynthetic(200, 100, WithMonitors(
		Monitor{Index: 1, Name: "a", Region: core.Region{Width: 100, Height: 100}},
		Monitor{Index: 2, Name: "b", Region: core.Region{X: 100, Width: 100, Height: 100}},
	))
	m, err := SelectMonitor(g, "")
	require.NoError(t, err)
	assert.Equal(t, "a", m.Name)
}

type boundsOnly struct{ *Synthetic }

func (b boundsOnly) Bounds() (core.Region, error) { return core.Region{Width: 800, Height: 600}, nil }

func TestListMonitorsFallsBackToBounds(t *testing.T) {
	// the wrapper hides Synthetic.Monitors behind the Grabber interface only
	var g Grabber = struct{ Grabber }{boundsOnly{NewSynthetic(1, 1)}}
	ms, err := ListMonitors(g)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.True(t, ms[0].Primary)
	assert.Equal(t, core.Region{Width: 800, Height: 600}, ms[0].Region)
}
