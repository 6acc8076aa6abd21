package main

import (
	"os"

	"convlog/cmd/convlog/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
