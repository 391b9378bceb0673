package permissions

// Validator guards permission group tree integrity before a parent change is
// persisted. The resolver trusts any hierarchy that passed validation here.
type Validator struct {
	maxDepth int
}

// NewValidator constructs a Validator with the given depth bound.
func NewValidator(maxDepth int) *Validator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxGroupDepth
	}
	return &Validator{maxDepth: maxDepth}
}

// ValidateReparent checks that moving the group under newParentID neither
// closes a cycle nor pushes any leaf past the depth bound. An empty
// newParentID promotes the group to a root, which only needs the subtree
// height check.
func (v *Validator) ValidateReparent(snap *Snapshot, groupID, newParentID string) error {
	if snap == nil {
		return ErrNotFound
	}
	if _, ok := snap.Group(groupID); !ok {
		return ErrNotFound
	}

	height := v.subtreeHeight(snap, groupID)
	if newParentID == "" {
		if 1+height > v.maxDepth {
			return ErrDepthExceeded
		}
		return nil
	}
	if groupID == newParentID {
		return ErrCycleDetected
	}

	chain, err := snap.chainOf(newParentID)
	if err != nil {
		return err
	}
	for _, link := range chain {
		if link.group.ID == groupID {
			return ErrCycleDetected
		}
	}
	// Nodes root..newParent, plus the group itself, plus its deepest subtree.
	if len(chain)+1+height > v.maxDepth {
		return ErrDepthExceeded
	}
	return nil
}

// ValidateAttach checks that a new leaf group may be created under the
// parent without exceeding the depth bound. An empty parentID (new root) is
// always valid.
func (v *Validator) ValidateAttach(snap *Snapshot, parentID string) error {
	if parentID == "" {
		return nil
	}
	if snap == nil {
		return ErrNotFound
	}
	chain, err := snap.chainOf(parentID)
	if err != nil {
		return err
	}
	if len(chain)+1 > v.maxDepth {
		return ErrDepthExceeded
	}
	return nil
}

// subtreeHeight returns the maximum number of edges from the group down to a
// leaf. The walk is cycle-guarded; corrupt regions simply stop contributing.
func (v *Validator) subtreeHeight(snap *Snapshot, groupID string) int {
	type frame struct {
		id    string
		depth int
	}
	visited := map[string]struct{}{groupID: {}}
	stack := []frame{{id: groupID}}
	height := 0
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.depth > height {
			height = top.depth
		}
		for _, child := range snap.children[top.id] {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			stack = append(stack, frame{id: child, depth: top.depth + 1})
		}
	}
	return height
}
