package permissions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// fixtureData builds a three-level tree: org -> dept -> team, with one
// permission granted at each level.
func fixtureData() SnapshotData {
	return SnapshotData{
		Version: 1,
		Permissions: []Permission{
			{ID: "p-read", Code: "docs:read"},
			{ID: "p-write", Code: "docs:write"},
			{ID: "p-admin", Code: "docs:admin"},
		},
		Groups: []PermissionGroup{
			{ID: "g-org", Name: "Org", Priority: 10, IsActive: true},
			{ID: "g-dept", Name: "Dept", ParentID: strPtr("g-org"), Priority: 20, IsActive: true},
			{ID: "g-team", Name: "Team", ParentID: strPtr("g-dept"), Priority: 30, IsActive: true},
		},
		GroupGrants: []GroupPermission{
			{GroupID: "g-org", PermissionID: "p-read"},
			{GroupID: "g-dept", PermissionID: "p-write"},
			{GroupID: "g-team", PermissionID: "p-admin"},
		},
	}
}

func newTestSnapshot(t *testing.T, data SnapshotData) *Snapshot {
	t.Helper()
	return NewSnapshot("t-1", data, DefaultMaxGroupDepth, time.Now())
}

func TestAncestorsOfOrdersRootToSelf(t *testing.T) {
	snap := newTestSnapshot(t, fixtureData())

	ids, err := snap.AncestorsOf("g-team")
	require.NoError(t, err)
	require.Equal(t, []string{"g-org", "g-dept", "g-team"}, ids)

	ids, err = snap.AncestorsOf("g-org")
	require.NoError(t, err)
	require.Equal(t, []string{"g-org"}, ids)

	_, err = snap.AncestorsOf("g-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAncestorsOfSkipsDeadGroups(t *testing.T) {
	data := fixtureData()
	data.Groups[1].IsActive = false

	snap := newTestSnapshot(t, data)
	ids, err := snap.AncestorsOf("g-team")
	require.NoError(t, err)
	require.Equal(t, []string{"g-org", "g-team"}, ids)
}

func TestPermissionsOfInheritsFromAncestors(t *testing.T) {
	snap := newTestSnapshot(t, fixtureData())

	cands, err := snap.PermissionsOf("g-team", true)
	require.NoError(t, err)

	byCode := map[string]GrantCandidate{}
	for _, c := range cands {
		byCode[c.Code] = c
	}
	require.Len(t, byCode, 3)
	require.Equal(t, "g-team", byCode["docs:admin"].SourceGroupID)
	require.Equal(t, 0, byCode["docs:admin"].Depth)
	require.Equal(t, "g-dept", byCode["docs:write"].SourceGroupID)
	require.Equal(t, 1, byCode["docs:write"].Depth)
	require.Equal(t, "g-org", byCode["docs:read"].SourceGroupID)
	require.Equal(t, 2, byCode["docs:read"].Depth)
	for _, c := range cands {
		require.Equal(t, EffectAllow, c.Effect)
	}

	own, err := snap.PermissionsOf("g-team", false)
	require.NoError(t, err)
	require.Len(t, own, 1)
	require.Equal(t, "docs:admin", own[0].Code)
}

func TestPermissionsOfSkipsInactiveAncestorGrants(t *testing.T) {
	data := fixtureData()
	data.Groups[1].IsActive = false

	snap := newTestSnapshot(t, data)
	cands, err := snap.PermissionsOf("g-team", true)
	require.NoError(t, err)

	codes := make([]string, 0, len(cands))
	for _, c := range cands {
		codes = append(codes, c.Code)
	}
	require.ElementsMatch(t, []string{"docs:admin", "docs:read"}, codes)
}

func TestPermissionsOfSkipsDeletedPermissions(t *testing.T) {
	data := fixtureData()
	deleted := time.Now()
	data.Permissions[0].DeletedAt = &deleted

	snap := newTestSnapshot(t, data)
	cands, err := snap.PermissionsOf("g-team", true)
	require.NoError(t, err)
	for _, c := range cands {
		require.NotEqual(t, "docs:read", c.Code)
	}
}

func TestChainOfDetectsCycle(t *testing.T) {
	data := fixtureData()
	// Close the loop: org's parent becomes team.
	data.Groups[0].ParentID = strPtr("g-team")

	snap := newTestSnapshot(t, data)
	_, err := snap.AncestorsOf("g-team")
	require.ErrorIs(t, err, ErrHierarchyCorrupted)
}

func TestChainOfToleratesDanglingParent(t *testing.T) {
	data := fixtureData()
	data.Groups[1].ParentID = strPtr("g-gone")

	snap := newTestSnapshot(t, data)
	ids, err := snap.AncestorsOf("g-team")
	require.NoError(t, err)
	require.Equal(t, []string{"g-dept", "g-team"}, ids)
}

func TestChainOfEnforcesDepthBound(t *testing.T) {
	data := SnapshotData{Groups: []PermissionGroup{{ID: "g-0", IsActive: true}}}
	for i := 1; i < 20; i++ {
		parent := groupID(i - 1)
		data.Groups = append(data.Groups, PermissionGroup{ID: groupID(i), ParentID: &parent, IsActive: true})
	}

	snap := NewSnapshot("t-1", data, 16, time.Now())
	_, err := snap.AncestorsOf(groupID(19))
	require.ErrorIs(t, err, ErrHierarchyCorrupted)

	_, err = snap.AncestorsOf(groupID(10))
	require.NoError(t, err)
}

func groupID(i int) string {
	return "g-" + string(rune('a'+i))
}

func TestMembersOfIndexesAncestors(t *testing.T) {
	data := fixtureData()
	data.Assignments = []UserGroupAssignment{
		{UserID: "u-1", GroupID: "g-team", GrantedAt: time.Now()},
		{UserID: "u-2", GroupID: "g-dept", GrantedAt: time.Now()},
	}

	snap := newTestSnapshot(t, data)

	members, ok := snap.MembersOf("g-org")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"u-1", "u-2"}, members)

	members, ok = snap.MembersOf("g-team")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"u-1"}, members)

	_, ok = snap.MembersOf("g-missing")
	require.False(t, ok)
}

func TestMembersOfUnavailableOnCorruptChain(t *testing.T) {
	data := fixtureData()
	data.Groups[0].ParentID = strPtr("g-team")
	data.Assignments = []UserGroupAssignment{{UserID: "u-1", GroupID: "g-team", GrantedAt: time.Now()}}

	snap := newTestSnapshot(t, data)
	_, ok := snap.MembersOf("g-org")
	require.False(t, ok)
}
