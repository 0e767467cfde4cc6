// Command distclip runs the dual-encoder trainer on an in-process rank
// mesh, mostly useful for exercising schedules and checkpointing locally.
package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/distclip/distclip/checkpoints"
	"github.com/distclip/distclip/clip"
	"github.com/distclip/distclip/comm/local"
	"github.com/distclip/distclip/config"
	"github.com/distclip/distclip/train"
	"github.com/distclip/distclip/train/commandline"
)

var (
	flagConfig    = flag.String("config", "", "Path to a YAML configuration file; defaults apply when empty.")
	flagWorld     = flag.Int("world", 1, "Number of in-process ranks.")
	flagSteps     = flag.Int("steps", 100, "Training steps to run.")
	flagDim       = flag.Int("dim", 64, "Per-tower embedding width.")
	flagLR        = flag.Float64("lr", 0.01, "SGD learning rate.")
	flagSeed      = flag.Int64("seed", 42, "Initialization and data seed.")
	flagCkptDir   = flag.String("checkpoint_dir", "", "Directory to save checkpoints under; disabled when empty.")
	flagSaveEvery = flag.Int("save_every", 50, "Steps between checkpoints.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		cfg = must.M1(config.Load(*flagConfig))
	}
	must.M(cfg.Validate())

	mesh := local.NewMesh(*flagWorld)
	errs := make([]error, *flagWorld)
	var wg sync.WaitGroup
	for rank := 0; rank < *flagWorld; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = runRank(cfg, mesh, rank)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			must.M(fmt.Errorf("rank %d: %w", rank, err))
		}
	}
}

func runRank(cfg *config.Config, mesh *local.Mesh, rank int) error {
	c := mesh.Communicator(rank)
	trainer, err := clip.NewTrainer(cfg, c, clip.TrainerOptions{
		EmbeddingDim: *flagDim,
		Seed:         *flagSeed,
		LearningRate: *flagLR,
	})
	if err != nil {
		return err
	}

	topo := trainer.Topology
	perRank := cfg.GlobalBatchSize / topo.DataParallelSize()
	emit := topo.IsFirstStage(-1) || topo.IsLastStage(-1)
	ds := clip.NewSyntheticDataset("synthetic", perRank, *flagDim, 16,
		*flagSeed+int64(topo.DataParallelRank()), emit)

	loop := train.NewLoop(trainer.Orchestrator)
	if rank == topo.LastRank() {
		commandline.AttachProgressBar(loop)
	}
	if *flagCkptDir != "" {
		handler, err := checkpoints.Build().
			Dir(filepath.Join(*flagCkptDir, fmt.Sprintf("rank-%02d", rank))).
			Keep(3).Done()
		if err != nil {
			return err
		}
		checkpoints.AttachSaver(loop, handler, trainer.Stages, *flagSaveEvery)
		if _, err := trainer.LoadCheckpoint(handler); err != nil {
			return err
		}
	}

	loss, err := loop.RunSteps(ds, *flagSteps)
	if err != nil {
		return err
	}
	klog.Infof("rank %d done: final loss %.6f", rank, loss)
	return nil
}
