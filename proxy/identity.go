package proxy

import "fmt"

// Rotator draws client identities (user-agent strings) from a fixed set.
type Rotator struct {
	identities []string
	opts       options
}

// NewRotator returns a Rotator over identities.
func NewRotator(identities []string, opts ...Option) (*Rotator, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("identity set cannot be empty")
	}
	set := make([]string, len(identities))
	copy(set, identities)
	return &Rotator{identities: set, opts: buildOptions(opts)}, nil
}

// Next draws uniformly at random with replacement.
func (r *Rotator) Next() string {
	return r.identities[r.opts.intN(len(r.identities))]
}

// Rotate draws a replacement for current. When the set holds any other
// identity the result differs from current.
func (r *Rotator) Rotate(current string) string {
	others := make([]string, 0, len(r.identities))
	for _, id := range r.identities {
		if id != current {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return current
	}
	return others[r.opts.intN(len(others))]
}

// Len returns the size of the identity set.
func (r *Rotator) Len() int {
	return len(r.identities)
}
