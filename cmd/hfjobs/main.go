// hfjobs submits and monitors compute jobs on remote hardware.
package main

import (
	"log/slog"
	"os"

	"github.com/lhoestq/hfjobs/internal/command"
	"github.com/lhoestq/hfjobs/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LogLevel(),
	})))

	os.Exit(command.Run(os.Args[1:]))
}
