// Command chatlink connects to a marketplace messaging broker from the
// terminal, and can run a local broker for development.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
