package module

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/distclip/distclip/types/tensor"
)

// StateDictOf builds a state dict from parameters, cloning the values so the
// snapshot is stable while training continues.
func StateDictOf(params []*Param) map[string]*tensor.Local {
	sd := make(map[string]*tensor.Local, len(params))
	for _, p := range params {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// LoadInto restores parameter values from a state dict. Under strict loading
// every parameter must be present in the dict and the dict must carry no
// unknown keys; shapes must always match exactly.
func LoadInto(params []*Param, state map[string]*tensor.Local, strict bool) error {
	byName := make(map[string]*Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	if strict {
		var missing, unexpected []string
		for _, p := range params {
			if _, ok := state[p.Name]; !ok {
				missing = append(missing, p.Name)
			}
		}
		for name := range state {
			if _, ok := byName[name]; !ok {
				unexpected = append(unexpected, name)
			}
		}
		if len(missing) > 0 || len(unexpected) > 0 {
			sort.Strings(missing)
			sort.Strings(unexpected)
			return errors.Errorf("state dict mismatch: missing keys %v, unexpected keys %v", missing, unexpected)
		}
	}
	for name, value := range state {
		p, ok := byName[name]
		if !ok {
			continue
		}
		if !p.Value.Shape().Eq(value.Shape()) {
			return errors.Errorf("state dict entry %q has shape %s, parameter expects %s",
				name, value.Shape(), p.Value.Shape())
		}
		if err := p.Value.CopyFrom(value); err != nil {
			return errors.WithMessagef(err, "loading parameter %q", name)
		}
	}
	return nil
}
