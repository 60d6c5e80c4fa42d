package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/encoder"
	"github.com/jorgeblanc9/grabador-video-linux/internal/util"
)

type PresetsOptions struct {
	OutputFormat string
}

func NewPresetsCommand() *cobra.Command {
	opts := &PresetsOptions{}
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List the quality presets",
		Long:  "List the quality levels accepted by --quality and the encoder targets each one maps to",
		Example: `  grabador presets
  grabador presets -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPresets(cmd.OutOrStdout(), opts.OutputFormat)
		},
	}
	cmd.Flags().StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")
	return cmd
}

func printPresets(w io.Writer, format string) error {
	rows := make([]map[string]any, 0, 3)
	for _, q := range encoder.Presets() {
		p := encoder.PresetFor(q)
		rows = append(rows, map[string]any{
			"quality":       string(q),
			"video_bitrate": p.VideoBitrate,
			"audio_bitrate": p.AudioBitrate,
			"crf":           p.CRF,
			"jpeg_quality":  p.JPEGQuality,
		})
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "text", "":
		util.RenderTable(w, []util.TableColumn{
			{Header: "QUALITY", Key: "quality"},
			{Header: "VIDEO", Key: "video_bitrate"},
			{Header: "AUDIO", Key: "audio_bitrate"},
			{Header: "CRF", Key: "crf"},
			{Header: "JPEG", Key: "jpeg_quality"},
		}, rows)
		return nil
	}
	return fmt.Errorf("unsupported output format %q", format)
}
