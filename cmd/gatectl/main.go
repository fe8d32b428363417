package main

import (
	"os"

	"agora.app/cmd/gatectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
