// nevil is the runtime core of the Nevil conversational robot: it hosts
// the node graph, the message bus, and the streaming voice pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/nevil-robotics/nevil-core/cmd/nevil/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
