package train

// noPipeline runs every micro-batch forward and backward to completion in
// order, on a single pipeline stage. Gradients accumulate across
// micro-batches exactly as under the staged schedules.
type noPipeline struct{}

func (s *noPipeline) Name() string { return "no-pipelining" }

func (s *noPipeline) Run(args ScheduleArgs) (*ScheduleResult, error) {
	mod := args.Stages.Single()
	result := &ScheduleResult{Losses: make([]LossResult, 0, len(args.Plan.Micro))}
	for _, mb := range args.Plan.Micro {
		loss, err := runLocalMicroBatch(mb, mod, args.ForwardStep, args.ForwardOnly)
		if err != nil {
			return nil, err
		}
		result.Losses = append(result.Losses, *loss)
	}
	return result, nil
}
