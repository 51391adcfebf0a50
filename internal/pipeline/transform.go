package pipeline

// StageResultsKey holds aggregated per-stage results in the data bag.
const StageResultsKey = "stage_results"

// PreviousOutputKey carries the predecessor's result into forwarding stages.
const PreviousOutputKey = "previous_output"

// apply places result into bag and returns the new bag. Only Replace
// returns a different map.
func apply(mode TransformMode, s *Stage, bag map[string]any, result any) map[string]any {
	if mode == Replace {
		if m, ok := result.(map[string]any); ok {
			return cloneMap(m)
		}
		return map[string]any{"value": result}
	}

	key := s.outputKey()
	if mode == Append {
		switch existing := bag[key].(type) {
		case nil:
			bag[key] = []any{result}
		case []any:
			bag[key] = append(existing, result)
		default:
			bag[key] = []any{existing, result}
		}
	} else {
		bag[key] = result
	}

	if m, ok := result.(map[string]any); ok {
		for _, k := range s.Transform.Merge {
			if v, ok := m[k]; ok {
				bag[k] = v
			}
		}
	}

	if s.Transform.Aggregate {
		collected, ok := bag[StageResultsKey].(map[string]any)
		if !ok {
			collected = make(map[string]any)
			bag[StageResultsKey] = collected
		}
		collected[s.Name] = result
	}
	return bag
}

// buildInput assembles a stage's task input from its static input and the
// keys it reads from the bag.
func buildInput(s *Stage, bag map[string]any, previous any, forward bool) map[string]any {
	in := cloneMap(s.Input)
	if in == nil {
		in = make(map[string]any)
	}
	for _, keys := range [][]string{s.Requires, s.PassThrough} {
		for _, k := range keys {
			if v, ok := bag[k]; ok {
				in[k] = v
			}
		}
	}
	if forward && previous != nil {
		in[PreviousOutputKey] = previous
	}
	return in
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
