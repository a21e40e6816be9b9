package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Println(version)
			return
		case "hub":
			args = args[1:]
		default:
			if args[0][0] != '-' {
				fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
				fmt.Fprintf(os.Stderr, "usage: hapi [hub|version] [flags]\n")
				os.Exit(2)
			}
		}
	}

	if err := runHub(args); err != nil {
		if _, ok := err.(usageError); ok {
			os.Exit(2)
		}
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type usageError struct{ error }
