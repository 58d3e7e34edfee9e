package cmd

import (
	"fmt"
	"log"
	"os"

	"JukeFM/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jukefm",
	Short: "JukeFM is a shared jukebox for MPD and Spotify.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Starting JukeFM server...")
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
