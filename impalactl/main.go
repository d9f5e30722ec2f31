// Command impalactl drives an Impala card through a PC/SC reader or the TCP
// emulator.
package main

import (
	"fmt"
	"os"

	"github.com/barnettlynn/impalacard/pkg/apdu"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if tries, ok := apdu.PINTriesRemaining(err); ok {
			fmt.Fprintf(os.Stderr, "PIN tries remaining: %d\n", tries)
		}
		os.Exit(1)
	}
}
