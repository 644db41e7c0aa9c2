// Package ui implements ports.UiSink with an mpb progress bar, replacing
// the hand-rolled ANSI-cursor progress.Tracker (progress/progress.go)
// with the same multi-line-refresh idea built on a maintained bar library.
package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/gustash/steamdepot/internal/coremodel"
)

// Sink renders one overall progress bar plus diagnostic lines, the mpb
// equivalent of progress.Tracker's render loop.
type Sink struct {
	progress *mpb.Progress
	bar      *mpb.Bar
	out      io.Writer

	mu        sync.Mutex
	callbacks []func(coremodel.ProgressEvent)

	verbose bool
}

// New creates a Sink that writes to out. totalBytes seeds the overall bar;
// it is re-armed per depot as Progress events arrive with a new total.
func New(out io.Writer, verbose bool) *Sink {
	p := mpb.New(
		mpb.WithOutput(out),
		mpb.WithWidth(60),
		mpb.WithAutoRefresh(),
	)
	return &Sink{progress: p, out: out, verbose: verbose}
}

func (s *Sink) ensureBar(total int64) *mpb.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar != nil {
		return s.bar
	}
	s.bar = s.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name("downloading"),
			decor.Percentage(),
		),
		mpb.AppendDecorators(
			decor.CountersKiloByte("% .2f / % .2f"),
			decor.EwmaSpeed(decor.SizeB1024(0), " % .2f/s", 30),
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
		),
	)
	return s.bar
}

// WriteLine implements ports.UiSink.
func (s *Sink) WriteLine(msg string) {
	fmt.Fprintln(s.out, msg)
}

// WriteError implements ports.UiSink.
func (s *Sink) WriteError(msg string) {
	fmt.Fprintf(s.out, "error: %s\n", msg)
}

// WriteDebug implements ports.UiSink, gated by verbose the way
// Tracker gates its per-file lines.
func (s *Sink) WriteDebug(category, msg string) {
	if !s.verbose {
		return
	}
	fmt.Fprintf(s.out, "[%s] %s\n", category, msg)
}

// UpdateProgress implements ports.UiSink for coarse state transitions
// (planning, reconciling, verifying) that don't carry a byte count.
func (s *Sink) UpdateProgress(state string, percent float64) {
	fmt.Fprintf(s.out, "%s: %.1f%%\n", state, percent)
}

// OnProgress registers cb to run on every Progress call.
func (s *Sink) OnProgress(cb func(coremodel.ProgressEvent)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// Progress implements ports.UiSink, advancing the bar and fanning the event
// out to any registered callbacks.
func (s *Sink) Progress(ev coremodel.ProgressEvent) {
	bar := s.ensureBar(ev.TotalBytes)
	if bar.Current() != ev.BytesDownloaded {
		bar.SetCurrent(ev.BytesDownloaded)
	}
	if ev.TotalBytes > 0 && ev.BytesDownloaded >= ev.TotalBytes {
		bar.SetCurrent(ev.TotalBytes)
	}

	s.mu.Lock()
	cbs := append([]func(coremodel.ProgressEvent){}, s.callbacks...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// Wait blocks until the progress display has finished rendering, mirroring
// progress.Tracker.Wait.
func (s *Sink) Wait() {
	s.progress.Wait()
}

// PrintSummary prints a final one-line summary, the mpb equivalent of
// progress.Tracker.PrintSummary.
func (s *Sink) PrintSummary(filesCompleted, totalFiles int, totalBytes int64, elapsed time.Duration) {
	fmt.Fprintf(s.out, "\ndownload complete: %d/%d files, %s in %s\n",
		filesCompleted, totalFiles, decor.SizeB1024(totalBytes), elapsed.Round(time.Second))
}
