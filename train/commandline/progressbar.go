// Package commandline attaches terminal progress reporting to a training
// loop.
package commandline

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/distclip/distclip/train"
)

// AttachProgressBar displays a progress bar updated on every step of the
// loop, with the running loss in the description. It renders only on the
// last rank, which owns the broadcast loss, when stdout is a terminal.
func AttachProgressBar(loop *train.Loop) {
	var bar *progressbar.ProgressBar
	loop.OnStart("progressbar", train.PriorityFirst, func(l *train.Loop, _ train.Dataset) error {
		total := -1
		if l.EndStep >= 0 {
			total = l.EndStep - l.StartStep
		}
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(os.Stdout),
			progressbar.OptionSetDescription("training"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
		)
		return nil
	})
	loop.OnStep("progressbar", train.PriorityLast, func(l *train.Loop, loss float64) error {
		bar.Describe(fmt.Sprintf("loss=%.4f", loss))
		return bar.Add(1)
	})
	loop.OnEnd("progressbar", train.PriorityLast, func(l *train.Loop, _ float64) error {
		return bar.Finish()
	})
}
