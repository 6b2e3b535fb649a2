// Package landmarks converts the dense 478-point face mesh produced by the
// sensing engine into the sparse 68-point canonical layout used by
// downstream facial-analysis tooling.
//
// The conversion is a fixed index correspondence: every canonical point is
// a copy of exactly one dense point. The table lives in a versioned
// Topology value so that a future mesh revision can ship alongside the
// current one instead of replacing it.
package landmarks

import "fmt"

const (
	// DenseCount is the number of points in a dense landmark set.
	DenseCount = 478
	// CanonicalCount is the number of points in a canonical landmark set.
	CanonicalCount = 68
)

// Region names a contiguous group of canonical points.
type Region int

const (
	Jawline Region = iota
	RightEyebrow
	LeftEyebrow
	NoseBridge
	NoseBase
	RightEye
	LeftEye
	OuterMouth
	InnerMouth
)

var regionNames = [...]string{
	Jawline:      "jawline",
	RightEyebrow: "right_eyebrow",
	LeftEyebrow:  "left_eyebrow",
	NoseBridge:   "nose_bridge",
	NoseBase:     "nose_base",
	RightEye:     "right_eye",
	LeftEye:      "left_eye",
	OuterMouth:   "outer_mouth",
	InnerMouth:   "inner_mouth",
}

func (r Region) String() string {
	if r >= 0 && int(r) < len(regionNames) {
		return regionNames[r]
	}
	return fmt.Sprintf("region(%d)", int(r))
}

// Closed reports whether the region outlines a closed contour (eyes, mouth).
func (r Region) Closed() bool {
	switch r {
	case RightEye, LeftEye, OuterMouth, InnerMouth:
		return true
	}
	return false
}

// Segment is one region of the canonical layout and the dense indices it
// copies, in output order.
type Segment struct {
	Region  Region
	Indices []int
}

// Topology is a dense-to-canonical index table.
type Topology struct {
	Version    string
	SourceSize int // Minimum dense set length accepted by Remap
	Segments   []Segment
}

// IBUG68 maps the 478-point face mesh onto the 68-point iBUG layout.
// The index lists are a correspondence contract and must not be edited
// in place; publish a new Topology with a new Version instead.
var IBUG68 = Topology{
	Version:    "facemesh478-ibug68/v1",
	SourceSize: DenseCount,
	Segments: []Segment{
		{Jawline, []int{152, 234, 454, 323, 361, 288, 397, 365, 379, 378, 400, 377, 152, 148, 176, 149, 150}},
		{RightEyebrow, []int{46, 53, 52, 65, 55}},
		{LeftEyebrow, []int{285, 295, 282, 283, 276}},
		{NoseBridge, []int{168, 6, 197, 195}},
		{NoseBase, []int{5, 4, 1, 2, 164}},
		{RightEye, []int{33, 160, 158, 133, 153, 144}},
		{LeftEye, []int{362, 385, 387, 263, 373, 380}},
		{OuterMouth, []int{61, 40, 37, 0, 267, 270, 291, 321, 314, 17, 84, 91}},
		{InnerMouth, []int{78, 81, 13, 311, 308, 324, 318, 88}},
	},
}

// Len returns the number of points Remap produces.
func (t Topology) Len() int {
	n := 0
	for _, seg := range t.Segments {
		n += len(seg.Indices)
	}
	return n
}

// Bounds returns the half-open range [start, end) a region occupies in the
// canonical output. ok is false if the topology has no such region.
func (t Topology) Bounds(region Region) (start, end int, ok bool) {
	for _, seg := range t.Segments {
		if seg.Region == region {
			return start, start + len(seg.Indices), true
		}
		start += len(seg.Indices)
	}
	return 0, 0, false
}

// Validate checks that every index addresses the source set and that
// regions are not repeated.
func (t Topology) Validate() error {
	if t.SourceSize <= 0 {
		return fmt.Errorf("topology %s: source size %d must be positive", t.Version, t.SourceSize)
	}
	seen := make(map[Region]bool, len(t.Segments))
	for _, seg := range t.Segments {
		if seen[seg.Region] {
			return fmt.Errorf("topology %s: region %s listed twice", t.Version, seg.Region)
		}
		seen[seg.Region] = true
		if len(seg.Indices) == 0 {
			return fmt.Errorf("topology %s: region %s is empty", t.Version, seg.Region)
		}
		for _, idx := range seg.Indices {
			if idx < 0 || idx >= t.SourceSize {
				return fmt.Errorf("topology %s: region %s index %d outside [0,%d)", t.Version, seg.Region, idx, t.SourceSize)
			}
		}
	}
	return nil
}
