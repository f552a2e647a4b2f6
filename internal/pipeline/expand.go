package pipeline

import "strings"

// ExpandLoops rewrites every run that declares a loop-on matrix into the
// cartesian product of its axes. Expanded runs replace the original in place,
// preserving relative order. Running it twice is a no-op: expanded runs carry
// no loop-on entries.
func (d *Definition) ExpandLoops() {
	for ti := range d.Triggers {
		t := &d.Triggers[ti]
		var runs []Run
		for ri := range t.Runs {
			r := &t.Runs[ri]
			if len(r.LoopOn) == 0 {
				runs = append(runs, *r)
				continue
			}
			runs = append(runs, expandRun(r)...)
		}
		t.Runs = runs
	}
}

// expandRun produces one run per combination of loop values.
func expandRun(r *Run) []Run {
	var out []Run
	combo := make([]string, len(r.LoopOn))

	var walk func(axis int)
	walk = func(axis int) {
		if axis == len(r.LoopOn) {
			out = append(out, materialize(r, combo))
			return
		}
		for _, v := range r.LoopOn[axis].Values {
			combo[axis] = v
			walk(axis + 1)
		}
	}
	walk(0)
	return out
}

func materialize(r *Run, combo []string) Run {
	loop := strings.Join(combo, "-")
	run := cloneRun(r)
	run.LoopOn = nil
	run.Name = strings.ReplaceAll(run.Name, "{loop}", loop)

	for i, axis := range r.LoopOn {
		if axis.Param == "host-tag" {
			run.HostTag = combo[i]
			continue
		}
		if run.Params == nil {
			run.Params = map[string]string{}
		}
		run.Params[axis.Param] = combo[i]
	}

	for ci := range run.Triggers {
		ct := &run.Triggers[ci]
		ct.Name = strings.ReplaceAll(ct.Name, "{loop}", loop)
		ct.RunNames = strings.ReplaceAll(ct.RunNames, "{loop}", loop)
	}
	return run
}

// cloneRun deep-copies a run so expanded instances never share maps or
// slices with the original.
func cloneRun(r *Run) Run {
	run := *r
	run.Params = cloneMap(r.Params)
	run.PersistentVolumes = cloneMap(r.PersistentVolumes)
	if r.ScriptRepo != nil {
		repo := *r.ScriptRepo
		run.ScriptRepo = &repo
	}
	if r.TestGrepping != nil {
		tg := *r.TestGrepping
		tg.FixupDict = cloneMap(r.TestGrepping.FixupDict)
		run.TestGrepping = &tg
	}
	if len(r.Triggers) > 0 {
		run.Triggers = make([]ChildTrigger, len(r.Triggers))
		copy(run.Triggers, r.Triggers)
	}
	return run
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
