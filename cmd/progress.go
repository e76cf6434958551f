package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/mordilloSan/quickfind/indexing"
)

// passProgress renders indexing progress. The previous pass's record count,
// when known, sizes the bar; otherwise it runs as a spinner.
type passProgress struct {
	bar      *progressbar.ProgressBar
	estimate int64
}

func newPassProgress(w io.Writer, estimate int64, quiet bool) *passProgress {
	if quiet {
		return &passProgress{}
	}
	total := int64(-1)
	if estimate > 0 {
		total = estimate
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Indexing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("entries/s"),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
	return &passProgress{bar: bar, estimate: estimate}
}

// Update is an indexing.ProgressFunc.
func (p *passProgress) Update(pr indexing.Progress) {
	if p.bar == nil {
		return
	}
	n := pr.Dirs + pr.Files
	// The tree grew since the last pass; stretch the bar instead of ending it.
	if p.estimate > 0 && n >= p.estimate {
		p.estimate = n + n/10 + 1
		p.bar.ChangeMax64(p.estimate)
	}
	_ = p.bar.Set64(n)
}

func (p *passProgress) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
