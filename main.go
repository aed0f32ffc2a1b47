package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"

	"github.com/securhealth/report-uploader/cmd"
)

var (
	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FF0000")).
		Bold(true)
)

func main() {
	// Register signals before Cobra initialization
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cmd.SetSignalContext(ctx)

	err := cmd.Execute()
	stop()

	if err != nil {
		if errors.Is(err, cmd.ErrInterrupted) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("⚠️  Interrupted by user"))
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, errorStyle.Render("❌ Error: "+err.Error()))
		os.Exit(1)
	}
}
