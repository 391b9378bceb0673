package permissions

// DefaultMaxGroupDepth bounds the permission group tree height. Validated on
// every reparent and re-checked defensively on every ancestor walk.
const DefaultMaxGroupDepth = 16

// AncestorsOf resolves the group's ancestor chain, ordered root to self,
// excluding deleted and inactive groups. Unknown groups yield ErrNotFound;
// a cycle or over-deep chain yields ErrHierarchyCorrupted.
func (s *Snapshot) AncestorsOf(groupID string) ([]string, error) {
	chain, err := s.chainOf(groupID)
	if err != nil {
		return nil, err
	}
	// chainOf walks self-to-root; reverse and filter in one pass.
	ids := make([]string, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].group.Live() {
			ids = append(ids, chain[i].group.ID)
		}
	}
	return ids, nil
}

// PermissionsOf returns the grant candidates a group carries. With
// includeInherited the group additionally carries everything granted by its
// live ancestors; inheritance is additive and allow-only.
func (s *Snapshot) PermissionsOf(groupID string, includeInherited bool) ([]GrantCandidate, error) {
	chain, err := s.chainOf(groupID)
	if err != nil {
		return nil, err
	}
	if !includeInherited {
		chain = chain[:1]
	}
	var out []GrantCandidate
	for _, link := range chain {
		if !link.group.Live() {
			continue
		}
		for _, gp := range s.grantsByGroup[link.group.ID] {
			perm, ok := s.permsByID[gp.PermissionID]
			if !ok || perm.DeletedAt != nil {
				continue
			}
			out = append(out, GrantCandidate{
				Code:          perm.Code,
				Effect:        EffectAllow,
				Conditions:    gp.Conditions,
				Priority:      link.group.Priority,
				Depth:         link.depth,
				SourceGroupID: link.group.ID,
			})
		}
	}
	return out, nil
}
