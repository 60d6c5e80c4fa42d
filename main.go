package main

import (
	"os"

	"github.com/jorgeblanc9/grabador-video-linux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
