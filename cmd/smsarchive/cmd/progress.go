package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/textutil"
)

const (
	// maxPrintedErrors caps the per-record errors echoed after a job.
	maxPrintedErrors = 10
	maxErrorRunes    = 160
)

// importProgress renders a single updating progress line for an import.
// Without a terminal nothing is drawn until the summary.
type importProgress struct {
	out       io.Writer
	tty       bool
	interval  time.Duration
	startTime time.Time
	lastPrint time.Time
	drawn     bool
}

func newImportProgress(out io.Writer) *importProgress {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &importProgress{out: out, tty: tty, interval: 500 * time.Millisecond}
}

// update redraws the progress line, at most once per interval.
func (p *importProgress) update(s jobs.ImportSnapshot) {
	if !p.tty {
		return
	}
	now := time.Now()
	if p.startTime.IsZero() {
		p.startTime = now
	}
	if p.drawn && now.Sub(p.lastPrint) < p.interval {
		return
	}
	p.lastPrint = now
	p.drawn = true
	fmt.Fprintf(p.out, "\r  %5.1f%% | %d records | %d imported | %d duplicates | %s   ",
		s.Percent, s.Processed, s.Imported, s.Duplicates, formatDuration(now.Sub(p.startTime)))
}

// finish ends the progress line and prints the job summary.
func (p *importProgress) finish(s jobs.ImportSnapshot) {
	if p.drawn {
		fmt.Fprintln(p.out)
		p.drawn = false
	}
	p.startTime = time.Time{}

	fmt.Fprintf(p.out, "%s: %s\n", s.File, s.Status)
	fmt.Fprintf(p.out, "  Records:      %d\n", s.Processed)
	fmt.Fprintf(p.out, "  Imported:     %d\n", s.Imported)
	fmt.Fprintf(p.out, "  Duplicates:   %d\n", s.Duplicates)
	fmt.Fprintf(p.out, "  Skipped:      %d\n", s.Skipped)
	fmt.Fprintf(p.out, "  Media errors: %d\n", s.MediaErrors)
	if s.Error != "" {
		fmt.Fprintf(p.out, "  Error:        %s\n", s.Error)
	}
	printErrors(p.out, s.Errors)
}

func printErrors(out io.Writer, errs []string) {
	for i, e := range errs {
		if i == maxPrintedErrors {
			fmt.Fprintf(out, "    ... and %d more\n", len(errs)-maxPrintedErrors)
			break
		}
		fmt.Fprintf(out, "    %s\n", textutil.TruncateRunes(textutil.FirstLine(e), maxErrorRunes))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
