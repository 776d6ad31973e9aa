package main

import (
	"log"
	"os"

	"github.com/gosuri/uiprogress"
	"github.com/mattn/go-isatty"
)

var verbose = false

func debugf(format string, v ...interface{}) {
	if verbose {
		log.Printf(format, v...)
	}
}

type barProgress struct {
	progress *uiprogress.Progress
}

func (p *barProgress) Track(label string, total int) func(done int) {
	bar := p.progress.AddBar(total).PrependFunc(func(b *uiprogress.Bar) string {
		return label
	}).AppendCompleted()
	return func(done int) {
		bar.Set(done)
	}
}

type logProgress struct{}

func (logProgress) Track(label string, total int) func(done int) {
	log.Printf("sending %s (%d bytes)", label, total)
	return func(int) {}
}

// newProgress returns progress bars when stdout is a terminal. The returned
// stop function must be called once the transfer is over.
func newProgress() (TransferProgress, func()) {
	fd := os.Stdout.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return logProgress{}, func() {}
	}

	p := uiprogress.New()
	p.Start()
	return &barProgress{progress: p}, p.Stop
}
