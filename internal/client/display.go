package client

import (
	"fmt"
	"time"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Display prints connection and request activity to the console. Quiet
// mode (used under the TUI) suppresses all output.
type Display struct {
	quiet bool
}

func NewDisplay(quiet bool) *Display {
	return &Display{quiet: quiet}
}

func (d *Display) Connected(domain, target string) {
	if d.quiet {
		return
	}
	fmt.Printf("%s tunnel %s online\n", green("●"), bold(domain))
	fmt.Printf("  forwarding to %s\n\n", cyan(target))
}

func (d *Display) Disconnected(err error) {
	if d.quiet {
		return
	}
	if err != nil {
		fmt.Printf("%s disconnected: %v\n", red("●"), err)
	} else {
		fmt.Printf("%s disconnected\n", yellow("●"))
	}
}

func (d *Display) Reconnecting(attempt int, wait time.Duration) {
	if d.quiet {
		return
	}
	fmt.Printf("%s reconnecting in %s %s\n", yellow("↻"), wait, dim(fmt.Sprintf("(attempt %d)", attempt)))
}

func (d *Display) Request(method, path string, status int, duration time.Duration) {
	if d.quiet {
		return
	}
	fmt.Printf("%s %s %-6s %s %s\n",
		dim(time.Now().Format("15:04:05")),
		colorStatus(status), method, path,
		dim(duration.Round(time.Millisecond).String()))
}

func (d *Display) RequestFailed(method, path, reason string) {
	if d.quiet {
		return
	}
	fmt.Printf("%s %s %-6s %s %s\n",
		dim(time.Now().Format("15:04:05")),
		red("ERR"), method, path, red(reason))
}

func (d *Display) Stream(path string, chunks int, duration time.Duration) {
	if d.quiet {
		return
	}
	fmt.Printf("%s %s stream %s %s\n",
		dim(time.Now().Format("15:04:05")),
		cyan("SSE"), path,
		dim(fmt.Sprintf("%d chunks, %s", chunks, duration.Round(time.Millisecond))))
}

func (d *Display) TCP(event, connID string) {
	if d.quiet {
		return
	}
	fmt.Printf("%s %s tcp %s %s\n",
		dim(time.Now().Format("15:04:05")),
		cyan("TCP"), event, dim(connID))
}

func colorStatus(status int) string {
	text := fmt.Sprintf("%d", status)
	switch {
	case status >= 500:
		return red(text)
	case status >= 400:
		return yellow(text)
	case status >= 300:
		return cyan(text)
	default:
		return green(text)
	}
}
