// Command streamrelay runs the segmenting token-stream relay and its tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "streamrelay",
		Short: "Relay LLM token streams as symbol-aware segments",
		Long: `streamrelay opens streaming chat completions against an OpenAI-compatible
endpoint, cuts the token stream into display-safe segments and serves them
over polling, WebSocket and server-sent events.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newSegmentCmd())
	root.AddCommand(newBenchCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "streamrelay: %v\n", err)
		os.Exit(1)
	}
}
