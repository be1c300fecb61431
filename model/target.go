package model

// Target is an entity that can be attacked. It is a point-in-time
// snapshot refreshed every scheduling cycle.
type Target struct {
	ID string

	Defense    float64
	MinDefense float64

	Resource    float64
	ResourceMax float64
	// Growth is the host's resource growth factor for this target.
	Growth float64

	// RequiredSkill is the skill level needed to operate on the target.
	RequiredSkill float64
	// Access reports whether privileged access to the target is held.
	Access bool
}

// ResourceRatio returns Resource / ResourceMax, or 0 when the maximum is
// not positive.
func (t Target) ResourceRatio() float64 {
	if t.ResourceMax <= 0 {
		return 0
	}
	return t.Resource / t.ResourceMax
}
