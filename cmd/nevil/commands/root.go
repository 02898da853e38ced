package commands

import (
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "nevil",
	Short: "Runtime core for the Nevil conversational robot",
	Long: `nevil hosts the robot's node graph: the publish/subscribe bus, the
streaming voice pipeline (microphone -> STT -> reasoning -> TTS ->
speaker), the actuation path, and the camera vision path.

Commands:
  run      launch the full node graph and block until shutdown
  status   query a running instance over its monitor endpoint
  version  print build metadata`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
