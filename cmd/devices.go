package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jorgeblanc9/grabador-video-linux/config"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/audio"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/screen"
	"github.com/jorgeblanc9/grabador-video-linux/internal/util"
)

type DevicesOptions struct {
	OutputFormat string
	Display      string
}

type devicesReport struct {
	Display      string             `json:"display"`
	Monitors     []screen.Monitor   `json:"monitors,omitempty"`
	DisplayError string             `json:"display_error,omitempty"`
	Audio        []audio.DeviceInfo `json:"audio"`
	AudioError   string             `json:"audio_error,omitempty"`
}

func NewDevicesCommand() *cobra.Command {
	opts := &DevicesOptions{}
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Show the display's monitors and the audio inputs",
		Example: `  grabador devices
  grabador devices --display :1 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			report := collectDevices(ctx, opts.Display, screen.DisplayMonitors, audio.ListDevices)
			return printDevices(cmd.OutOrStdout(), report, opts.OutputFormat)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")
	flags.StringVar(&opts.Display, "display", config.GetDisplay(), "X11 display to query")
	return cmd
}

func collectDevices(
	ctx context.Context,
	display string,
	monitors func(string) ([]screen.Monitor, error),
	list func(context.Context) ([]audio.DeviceInfo, error),
) devicesReport {
	report := devicesReport{Display: display}
	if ms, err := monitors(display); err != nil {
		report.DisplayError = err.Error()
	} else {
		report.Monitors = ms
	}
	devices, err := list(ctx)
	if err != nil {
		report.AudioError = err.Error()
	}
	report.Audio = devices
	return report
}

func printDevices(w io.Writer, report devicesReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "text", "":
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}

	name := report.Display
	if name == "" {
		name = "default"
	}
	if report.DisplayError != "" {
		fmt.Fprintf(w, "Display %s: %s\n", color.CyanString(name), color.New(color.FgRed).Sprint(report.DisplayError))
	} else {
		fmt.Fprintf(w, "Display %s:\n", color.CyanString(name))
		monitors := make([]map[string]any, 0, len(report.Monitors))
		for _, m := range report.Monitors {
			primary := ""
			if m.Primary {
				primary = color.New(color.FgGreen).Sprint("*")
			}
			monitors = append(monitors, map[string]any{
				"index":    m.Index,
				"name":     m.Name,
				"geometry": m.Region.String(),
				"primary":  primary,
			})
		}
		util.RenderTable(w, []util.TableColumn{
			{Header: "#", Key: "index"},
			{Header: "MONITOR", Key: "name"},
			{Header: "GEOMETRY", Key: "geometry"},
			{Header: "PRIMARY", Key: "primary"},
		}, monitors)
	}
	fmt.Fprintln(w)

	if report.AudioError != "" {
		fmt.Fprintf(w, "Audio inputs: %s\n", color.New(color.FgRed).Sprint(report.AudioError))
		return nil
	}
	rows := make([]map[string]any, 0, len(report.Audio))
	for _, d := range report.Audio {
		def := ""
		if d.Default {
			def = color.New(color.FgGreen).Sprint("*")
		}
		rows = append(rows, map[string]any{
			"id":          d.ID,
			"description": d.Description,
			"backend":     string(d.Backend),
			"default":     def,
		})
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "ID", Key: "id"},
		{Header: "DESCRIPTION", Key: "description"},
		{Header: "BACKEND", Key: "backend"},
		{Header: "DEFAULT", Key: "default"},
	}, rows)
	return nil
}
