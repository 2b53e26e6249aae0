// Package progress implements blockimage/model.Progress with an mpb
// progress bar, for the CLI's verify and mount-time index-build phases.
package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Bar reports Start/Advance/Finish notifications as a single mpb bar
// written to stderr. It is safe to reuse across several sequential
// operations by calling Start again after Finish.
type Bar struct {
	label     string
	enabled   bool
	container *mpb.Progress
	bar       *mpb.Bar
}

// New creates a Bar with the given label, prefixed to the counter and
// percentage decorators. When enabled is false, Start/Advance/Finish are
// no-ops, so callers never need to branch on whether progress reporting
// was requested.
func New(label string, enabled bool) *Bar {
	return &Bar{label: label, enabled: enabled}
}

func (b *Bar) Start(total int64) {
	if !b.enabled || total <= 0 {
		return
	}
	b.container = mpb.New(
		mpb.WithOutput(os.Stderr),
		mpb.WithWidth(48),
		mpb.WithRefreshRate(100*time.Millisecond),
	)
	b.bar = b.container.New(total,
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding(" ").Rbound("]"),
		mpb.PrependDecorators(
			decor.Name(b.label, decor.WC{W: len(b.label) + 1, C: decor.DindentRight}),
			decor.CountersNoUnit("%d/%d", decor.WC{C: decor.DindentRight}),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)
}

func (b *Bar) Advance(n int64) {
	if b.bar == nil {
		return
	}
	b.bar.IncrBy(int(n))
}

func (b *Bar) Finish() {
	if b.container == nil {
		return
	}
	b.container.Wait()
	fmt.Fprintln(os.Stderr)
	b.container = nil
	b.bar = nil
}
