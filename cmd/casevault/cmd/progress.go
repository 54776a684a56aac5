package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/wesm/casevault/internal/pipeline"
)

// CLIProgress prints load progress to stderr, throttled to one line every
// two seconds.
type CLIProgress struct {
	pipeline.NullProgress
	out       io.Writer
	startTime time.Time
	lastPrint time.Time
	state     pipeline.State
	counts    pipeline.Counts
	printed   bool
}

// newCLIProgress returns a progress printer when stderr is a terminal and
// nil otherwise, so redirected output stays free of carriage returns.
func newCLIProgress() pipeline.Progress {
	fd := os.Stderr.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return nil
	}
	return &CLIProgress{out: os.Stderr}
}

// ensureStarted lazily initializes startTime and lastPrint so callbacks
// are safe in any order.
func (p *CLIProgress) ensureStarted() {
	if p.startTime.IsZero() {
		now := time.Now()
		p.startTime = now
		p.lastPrint = now
	}
}

func (p *CLIProgress) OnStateChange(s pipeline.State) {
	p.ensureStarted()
	p.state = s
}

func (p *CLIProgress) OnProgress(c pipeline.Counts) {
	p.ensureStarted()
	p.counts = c
	p.printProgress()
}

func (p *CLIProgress) printProgress() {
	// Throttle output to every 2 seconds
	if time.Since(p.lastPrint) < 2*time.Second {
		return
	}
	p.lastPrint = time.Now()
	p.printed = true

	elapsed := time.Since(p.startTime)
	rate := 0.0
	if elapsed.Seconds() >= 1 {
		rate = float64(p.counts.RowsIngested) / elapsed.Seconds()
	}
	fmt.Fprintf(p.out, "\r  %s: files %d/%d | rows %d | %.0f rows/s | %s    ",
		p.state, p.counts.FilesParsed, p.counts.FilesDiscovered,
		p.counts.RowsIngested, rate, formatDuration(elapsed))
}

func (p *CLIProgress) OnComplete(*pipeline.LoadSummary) {
	if p.printed {
		fmt.Fprintln(p.out) // Clear the progress line
	}
}

// formatDuration formats a duration as "Xs", "Xm Ys" or "Xh Ym".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
