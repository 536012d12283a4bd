package main

import (
	"os"
)

func main() {
	if err := newRootCmd(newCLIFlags()).Execute(); err != nil {
		os.Exit(1)
	}
}
