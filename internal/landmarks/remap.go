package landmarks

import "github.com/dj-oyu/vitals-bridge/pkg/types"

// Remap converts a dense landmark set with the default IBUG68 topology.
func Remap(dense []types.Point2D) []types.Point2D {
	return IBUG68.Remap(dense)
}

// Remap copies the dense points named by the topology into a new slice,
// segment by segment.
//
// A dense set shorter than SourceSize yields an empty result. Callers must
// read that as "no canonical landmarks for this frame", not as a face with
// zero points.
func (t Topology) Remap(dense []types.Point2D) []types.Point2D {
	if len(dense) < t.SourceSize {
		return nil
	}

	out := make([]types.Point2D, 0, t.Len())
	for _, seg := range t.Segments {
		for _, idx := range seg.Indices {
			out = append(out, dense[idx])
		}
	}
	return out
}

// Region returns the sub-slice of a remapped set that belongs to region,
// or nil if the set was not produced by this topology.
func (t Topology) Region(canonical []types.Point2D, region Region) []types.Point2D {
	if len(canonical) != t.Len() {
		return nil
	}
	start, end, ok := t.Bounds(region)
	if !ok {
		return nil
	}
	return canonical[start:end:end]
}
