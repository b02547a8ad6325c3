package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
)

// BrowserNavigator prints the authorization URL and tries to open it in the
// system browser. A missing opener is not an error: the user can follow the
// printed link.
type BrowserNavigator struct {
	Out    io.Writer
	Logger *slog.Logger

	// command builds the opener; replaced in tests.
	command func(ctx context.Context, url string) *exec.Cmd
}

// NewBrowserNavigator writes to out (stderr when nil).
func NewBrowserNavigator(out io.Writer, logger *slog.Logger) *BrowserNavigator {
	if out == nil {
		out = os.Stderr
	}
	return &BrowserNavigator{Out: out, Logger: logger, command: openCommand}
}

func (b *BrowserNavigator) Navigate(ctx context.Context, authorizeURL string) error {
	if _, err := fmt.Fprintf(b.Out, "Open this URL to sign in:\n\n  %s\n\n", authorizeURL); err != nil {
		return err
	}

	cmd := b.command(ctx, authorizeURL)
	if cmd == nil {
		return nil
	}
	if err := cmd.Start(); err != nil {
		b.Logger.Debug("could not launch browser", "error", err)
		return nil
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func openCommand(ctx context.Context, url string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.CommandContext(ctx, "open", url)
	case "windows":
		return exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	case "linux", "freebsd", "openbsd", "netbsd":
		return exec.CommandContext(ctx, "xdg-open", url)
	default:
		return nil
	}
}
