package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "deferral: %v\n", err)
		os.Exit(1)
	}
}
