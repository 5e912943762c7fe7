package graph

// Reducer merges a partial state update (delta) into the previous state,
// producing the next state. Each graph is compiled with exactly one reducer;
// field-level merge semantics are expressed inside it with the helpers
// below.
//
// Reducers must be deterministic: the runtime re-applies them during
// checkpoint resume and expects identical results.
type Reducer[S any] func(prev, delta S) S

// OverwriteIfSet returns delta when it is not the zero value, otherwise
// prev. This is the default field semantics: a node that does not touch a
// field leaves it alone.
func OverwriteIfSet[T comparable](prev, delta T) T {
	var zero T
	if delta != zero {
		return delta
	}
	return prev
}

// AppendIfNew appends the elements of delta that are not already present in
// prev, preserving order. Used for log-like fields such as reasoning items
// and node traces.
func AppendIfNew[T comparable](prev, delta []T) []T {
	if len(delta) == 0 {
		return prev
	}
	seen := make(map[T]bool, len(prev))
	for _, v := range prev {
		seen[v] = true
	}
	out := prev
	for _, v := range delta {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}

// PreserveUnlessExplicit returns *delta only when delta is non-nil.
// This expresses "only overwrite when the node returned a value at all",
// which OverwriteIfSet cannot: a node may legitimately want to set a field
// to its zero value (e.g. requires_response = false).
func PreserveUnlessExplicit[T any](prev T, delta *T) T {
	if delta != nil {
		return *delta
	}
	return prev
}

// Ptr is a convenience for building PreserveUnlessExplicit deltas.
func Ptr[T any](v T) *T {
	return &v
}
