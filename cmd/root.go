package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jorgeblanc9/grabador-video-linux/internal/util"
	"github.com/jorgeblanc9/grabador-video-linux/internal/version"
)

func newRootCommand() *cobra.Command {
	var verbose bool
	rootCmd := &cobra.Command{
		Use:   "grabador",
		Short: "Screen and audio recorder for Linux",
		Long: `grabador records a region of an X11 display together with an optional audio input
and writes a synchronized video file (mp4, avi, mov or mkv).`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLoggerTo(cmd.ErrOrStderr(), verbose || util.IsVerbose())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Get()
				fmt.Fprintf(cmd.OutOrStdout(), "grabador version %s, build %s\n", info.Version, info.GitCommit)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().Bool("version", false, "Print version information and exit")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewPresetsCommand())
	rootCmd.AddCommand(NewVersionCommand())
	return rootCmd
}

func Execute() error {
	return newRootCommand().Execute()
}
