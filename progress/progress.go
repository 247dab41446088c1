// Package progress renders transfer progress for interactive use.
// The engine reports deltas; a Reporter turns them into something a
// human can watch.
package progress

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
)

// Reporter receives transfer progress. Implementations must tolerate
// concurrent Add calls; the engine's upload workers report in
// parallel.
type Reporter interface {
	Start(total int64, description string)
	Add(delta int64)
	Finish()
	Error(err error)
}

// Bar renders a terminal progress bar on stderr.
type Bar struct {
	bar *progressbar.ProgressBar
}

// NewBar creates a terminal progress reporter.
func NewBar() *Bar {
	return &Bar{}
}

// Start initializes the bar. A zero total renders a spinner, which is
// what an upload of unknown size gets.
func (b *Bar) Start(total int64, description string) {
	if total == 0 {
		total = -1
	}
	b.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add advances the bar. Negative deltas roll retracted progress back.
func (b *Bar) Add(delta int64) {
	if b.bar != nil {
		_ = b.bar.Add64(delta)
	}
}

// Finish completes the bar.
func (b *Bar) Finish() {
	if b.bar != nil {
		_ = b.bar.Finish()
	}
}

// Error prints the failure under the bar.
func (b *Bar) Error(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}
}

// Silent discards all progress, for scripted or background use.
type Silent struct{}

// NewSilent creates a no-op reporter.
func NewSilent() *Silent { return &Silent{} }

func (*Silent) Start(total int64, description string) {}

func (*Silent) Add(delta int64) {}

func (*Silent) Finish() {}

func (*Silent) Error(err error) {}
