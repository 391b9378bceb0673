package permissions

import (
	"time"
)

// SnapshotData is the flat, consistent view of one tenant's permission
// tables as read from the store.
type SnapshotData struct {
	Version      int64
	Permissions  []Permission
	Groups       []PermissionGroup
	GroupGrants  []GroupPermission
	Assignments  []UserGroupAssignment
	DirectGrants []UserDirectPermission
}

// Snapshot is an immutable, indexed view of one tenant's permission data.
// Readers share a snapshot without locking; writers build a replacement and
// swap the pointer.
type Snapshot struct {
	tenantID string
	version  int64
	builtAt  time.Time
	maxDepth int

	groups        map[string]PermissionGroup
	children      map[string][]string
	grantsByGroup map[string][]GroupPermission
	permsByID     map[string]Permission
	permsByCode   map[string]Permission
	assignByUser  map[string][]UserGroupAssignment
	directByUser  map[string][]UserDirectPermission

	// usersByGroup maps a group to every user whose membership chain can
	// include it (directly or via a descendant). Used for invalidation
	// fan-out. Empty with membersIndexed=false when the hierarchy walk
	// failed during build.
	usersByGroup   map[string][]string
	membersIndexed bool
}

// NewSnapshot indexes the flat data. maxDepth bounds the number of groups on
// any root-to-leaf chain.
func NewSnapshot(tenantID string, data SnapshotData, maxDepth int, builtAt time.Time) *Snapshot {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxGroupDepth
	}
	s := &Snapshot{
		tenantID:      tenantID,
		version:       data.Version,
		builtAt:       builtAt,
		maxDepth:      maxDepth,
		groups:        make(map[string]PermissionGroup, len(data.Groups)),
		children:      make(map[string][]string),
		grantsByGroup: make(map[string][]GroupPermission, len(data.Groups)),
		permsByID:     make(map[string]Permission, len(data.Permissions)),
		permsByCode:   make(map[string]Permission, len(data.Permissions)),
		assignByUser:  make(map[string][]UserGroupAssignment),
		directByUser:  make(map[string][]UserDirectPermission),
		usersByGroup:  make(map[string][]string),
	}
	for _, p := range data.Permissions {
		s.permsByID[p.ID] = p
		s.permsByCode[p.Code] = p
	}
	for _, g := range data.Groups {
		s.groups[g.ID] = g
		if g.ParentID != nil {
			s.children[*g.ParentID] = append(s.children[*g.ParentID], g.ID)
		}
	}
	for _, gp := range data.GroupGrants {
		s.grantsByGroup[gp.GroupID] = append(s.grantsByGroup[gp.GroupID], gp)
	}
	for _, a := range data.Assignments {
		s.assignByUser[a.UserID] = append(s.assignByUser[a.UserID], a)
	}
	for _, d := range data.DirectGrants {
		s.directByUser[d.UserID] = append(s.directByUser[d.UserID], d)
	}
	s.buildMemberIndex(data.Assignments)
	return s
}

// TenantID returns the tenant this snapshot covers.
func (s *Snapshot) TenantID() string { return s.tenantID }

// Version returns the store version stamp the snapshot was built from.
func (s *Snapshot) Version() int64 { return s.version }

// BuiltAt returns when the snapshot was assembled.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Group looks up a group by id.
func (s *Snapshot) Group(id string) (PermissionGroup, bool) {
	g, ok := s.groups[id]
	return g, ok
}

// PermissionByCode looks up a live permission definition by code.
func (s *Snapshot) PermissionByCode(code string) (Permission, bool) {
	p, ok := s.permsByCode[code]
	if !ok || p.DeletedAt != nil {
		return Permission{}, false
	}
	return p, true
}

// AssignmentsFor returns the raw group assignments recorded for a user.
func (s *Snapshot) AssignmentsFor(userID string) []UserGroupAssignment {
	return s.assignByUser[userID]
}

// DirectGrantsFor returns the raw direct permissions recorded for a user.
func (s *Snapshot) DirectGrantsFor(userID string) []UserDirectPermission {
	return s.directByUser[userID]
}

// MembersOf returns every user whose membership chain can include the group.
// ok is false when the group is unknown to this snapshot or the member index
// could not be built; callers should then invalidate tenant-wide.
func (s *Snapshot) MembersOf(groupID string) ([]string, bool) {
	if !s.membersIndexed {
		return nil, false
	}
	if _, known := s.groups[groupID]; !known {
		return nil, false
	}
	return s.usersByGroup[groupID], true
}

func (s *Snapshot) buildMemberIndex(assignments []UserGroupAssignment) {
	seen := make(map[string]map[string]struct{})
	for _, a := range assignments {
		chain, err := s.chainOf(a.GroupID)
		if err != nil {
			// A corrupted chain makes precise fan-out unsafe; leave the
			// index unbuilt so invalidation falls back to tenant scope.
			s.membersIndexed = false
			s.usersByGroup = map[string][]string{}
			return
		}
		for _, link := range chain {
			set := seen[link.group.ID]
			if set == nil {
				set = make(map[string]struct{})
				seen[link.group.ID] = set
			}
			if _, dup := set[a.UserID]; dup {
				continue
			}
			set[a.UserID] = struct{}{}
			s.usersByGroup[link.group.ID] = append(s.usersByGroup[link.group.ID], a.UserID)
		}
	}
	s.membersIndexed = true
}

// chainLink is one hop of a self-to-root parent walk.
type chainLink struct {
	group PermissionGroup
	depth int // distance from the starting group; self is 0
}

// chainOf walks parent pointers from the group to the root. The walk is
// iterative and bounded: a revisited node or a chain longer than maxDepth
// returns ErrHierarchyCorrupted. Dead groups stay on the chain (the walk
// continues through them); liveness filtering is the caller's concern.
func (s *Snapshot) chainOf(groupID string) ([]chainLink, error) {
	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	visited := map[string]struct{}{}
	chain := make([]chainLink, 0, 4)
	depth := 0
	for {
		if _, again := visited[g.ID]; again {
			return nil, ErrHierarchyCorrupted
		}
		visited[g.ID] = struct{}{}
		chain = append(chain, chainLink{group: g, depth: depth})
		if len(chain) > s.maxDepth {
			return nil, ErrHierarchyCorrupted
		}
		if g.ParentID == nil {
			return chain, nil
		}
		parent, ok := s.groups[*g.ParentID]
		if !ok {
			// Dangling parent reference; treat the known prefix as the
			// full chain rather than failing resolution.
			return chain, nil
		}
		g = parent
		depth++
	}
}
