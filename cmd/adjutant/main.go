package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/adjutant/adjutant/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "serve":
			args = args[1:]
		case "version":
			fmt.Println(version)
			return
		default:
			if len(args[0]) > 0 && args[0][0] != '-' {
				fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
				fmt.Fprintf(os.Stderr, "usage: adjutant [serve|version] [flags]\n")
				os.Exit(1)
			}
		}
	}

	if err := runServe(args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
