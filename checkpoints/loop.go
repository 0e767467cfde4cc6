package checkpoints

import (
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/train"
)

// AttachSaver saves a checkpoint every everyN training steps and once more
// at the end of the run.
func AttachSaver(loop *train.Loop, h *Handler, stages module.StageSet, everyN int) {
	train.EveryNSteps(loop, everyN, "checkpoint", train.PriorityLast, func(l *train.Loop, _ float64) error {
		return h.Save(stages, l.Orchestrator.StepCount())
	})
	loop.OnEnd("checkpoint", train.PriorityLast, func(l *train.Loop, _ float64) error {
		return h.Save(stages, l.Orchestrator.StepCount())
	})
}
