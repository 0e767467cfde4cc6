// Package checkpoints saves and restores model state across the virtual
// pipeline stages a rank hosts. An interleaved rank's checkpoint carries one
// state dict per model chunk under the keys "model0", "model1", ...; a
// single-stage rank's checkpoint carries one plain "model" entry. Loading is
// strict: a checkpoint whose structure does not match the running model is a
// fatal error, never silently partial.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/types/tensor"
)

// ErrStructuralMismatch is returned when a checkpoint's shard layout or
// parameter set does not match the model being restored.
var ErrStructuralMismatch = errors.New("checkpoint structure does not match model")

// Shard is one model chunk's state in a checkpoint.
type Shard struct {
	Key   string
	State map[string]*tensor.Local
}

// ShardKey names the checkpoint entry of virtual stage i.
func ShardKey(i int) string { return fmt.Sprintf("model%d", i) }

// Split snapshots a stage set into its checkpoint shards. A single-stage set
// produces one "model" shard, untouched by virtual-stage renaming.
func Split(stages module.StageSet) []Shard {
	if !stages.Interleaved() {
		return []Shard{{Key: "model", State: stages.Single().StateDict()}}
	}
	shards := make([]Shard, 0, stages.NumStages())
	stages.Each(func(i int, m module.Module) {
		shards = append(shards, Shard{Key: ShardKey(i), State: m.StateDict()})
	})
	return shards
}

// Restore loads checkpoint shards back into a stage set, strictly: the shard
// count, shard keys, and every parameter set must match exactly.
func Restore(stages module.StageSet, shards []Shard) error {
	want := Split(stages)
	if len(shards) != len(want) {
		return errors.Wrapf(ErrStructuralMismatch,
			"checkpoint has %d model shards, rank hosts %d stages", len(shards), len(want))
	}
	byKey := make(map[string]Shard, len(shards))
	for _, s := range shards {
		byKey[s.Key] = s
	}
	for i := range want {
		s, ok := byKey[want[i].Key]
		if !ok {
			return errors.Wrapf(ErrStructuralMismatch, "checkpoint is missing shard %q", want[i].Key)
		}
		var mod module.Module
		if stages.Interleaved() {
			mod = stages.At(i)
		} else {
			mod = stages.Single()
		}
		if err := mod.LoadStateDict(s.State, true); err != nil {
			return errors.Wrapf(ErrStructuralMismatch, "shard %q: %v", s.Key, err)
		}
	}
	return nil
}

// Config configures a checkpoint Handler, built with
// checkpoints.Build().Dir(path).Keep(3).Done().
type Config struct {
	dir  string
	keep int
	err  error
}

// Build starts a checkpoint configuration.
func Build() *Config {
	return &Config{keep: -1}
}

// Dir sets the directory checkpoints are written under.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	return c
}

// Keep limits how many checkpoints are retained; older ones are removed
// after each save. Negative means keep everything.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done validates the configuration and returns the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("checkpoints: no directory configured")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", c.dir)
	}
	return &Handler{dir: c.dir, keep: c.keep}, nil
}

// Handler saves and loads sharded checkpoints under one directory. Each
// checkpoint is a step-numbered subdirectory holding a JSON metadata file
// and a binary tensor blob.
type Handler struct {
	dir  string
	keep int
}

type metadata struct {
	UUID   string      `json:"uuid"`
	Step   int         `json:"step"`
	Shards []shardMeta `json:"shards"`
}

type shardMeta struct {
	Key    string   `json:"key"`
	Params []string `json:"params"`
}

const (
	metadataFile = "checkpoint.json"
	tensorsFile  = "checkpoint.bin"
)

func stepDir(step int) string { return fmt.Sprintf("step-%08d", step) }

// Save writes the stage set's shards as the checkpoint of the given step.
func (h *Handler) Save(stages module.StageSet, step int) error {
	shards := Split(stages)
	meta := metadata{UUID: uuid.NewString(), Step: step}
	for _, s := range shards {
		names := maps.Keys(s.State)
		sort.Strings(names)
		meta.Shards = append(meta.Shards, shardMeta{Key: s.Key, Params: names})
	}

	dir := filepath.Join(h.dir, stepDir(step))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", dir)
	}
	metaBytes, err := json.MarshalIndent(&meta, "", "\t")
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), metaBytes, 0o644); err != nil {
		return errors.Wrap(err, "writing checkpoint metadata")
	}

	f, err := os.Create(filepath.Join(dir, tensorsFile))
	if err != nil {
		return errors.Wrap(err, "creating checkpoint tensor file")
	}
	defer f.Close()
	for i, s := range shards {
		for _, name := range meta.Shards[i].Params {
			if _, err := s.State[name].WriteTo(f); err != nil {
				return errors.Wrapf(err, "writing %s/%s", s.Key, name)
			}
		}
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing checkpoint tensor file")
	}
	klog.V(1).Infof("saved checkpoint step=%d shards=%d dir=%s", step, len(shards), dir)
	return h.prune()
}

// Load restores the latest checkpoint into the stage set and returns its
// step. With no checkpoint present it returns step -1 and no error.
func (h *Handler) Load(stages module.StageSet) (int, error) {
	steps, err := h.Steps()
	if err != nil || len(steps) == 0 {
		return -1, err
	}
	step := steps[len(steps)-1]
	shards, err := h.read(step)
	if err != nil {
		return -1, err
	}
	if err := Restore(stages, shards); err != nil {
		return -1, err
	}
	klog.V(1).Infof("loaded checkpoint step=%d shards=%d", step, len(shards))
	return step, nil
}

// Steps lists the checkpointed steps in ascending order.
func (h *Handler) Steps() ([]int, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", h.dir)
	}
	var steps []int
	for _, e := range entries {
		var step int
		if _, err := fmt.Sscanf(e.Name(), "step-%d", &step); err == nil && e.IsDir() {
			steps = append(steps, step)
		}
	}
	sort.Ints(steps)
	return steps, nil
}

func (h *Handler) read(step int) ([]Shard, error) {
	dir := filepath.Join(h.dir, stepDir(step))
	metaBytes, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, errors.Wrap(err, "reading checkpoint metadata")
	}
	var meta metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, errors.Wrap(err, "decoding checkpoint metadata")
	}

	f, err := os.Open(filepath.Join(dir, tensorsFile))
	if err != nil {
		return nil, errors.Wrap(err, "opening checkpoint tensor file")
	}
	defer f.Close()
	shards := make([]Shard, 0, len(meta.Shards))
	for _, sm := range meta.Shards {
		state := make(map[string]*tensor.Local, len(sm.Params))
		for _, name := range sm.Params {
			t, err := tensor.ReadFrom(f)
			if err != nil {
				return nil, errors.Wrapf(err, "reading %s/%s", sm.Key, name)
			}
			state[name] = t
		}
		shards = append(shards, Shard{Key: sm.Key, State: state})
	}
	return shards, nil
}

func (h *Handler) prune() error {
	if h.keep < 0 {
		return nil
	}
	steps, err := h.Steps()
	if err != nil {
		return err
	}
	for len(steps) > h.keep {
		dir := filepath.Join(h.dir, stepDir(steps[0]))
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "pruning %q", dir)
		}
		steps = steps[1:]
	}
	return nil
}
