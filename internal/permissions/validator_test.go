package permissions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateReparentRejectsCycles(t *testing.T) {
	v := NewValidator(16)
	snap := newTestSnapshot(t, fixtureData())

	require.ErrorIs(t, v.ValidateReparent(snap, "g-org", "g-org"), ErrCycleDetected)
	// Moving the root under its own descendant closes a loop.
	require.ErrorIs(t, v.ValidateReparent(snap, "g-org", "g-team"), ErrCycleDetected)
	require.ErrorIs(t, v.ValidateReparent(snap, "g-dept", "g-team"), ErrCycleDetected)
}

func TestValidateReparentAllowsLateralMove(t *testing.T) {
	v := NewValidator(16)
	data := fixtureData()
	data.Groups = append(data.Groups, PermissionGroup{
		ID: "g-other", Name: "Other", ParentID: strPtr("g-org"), IsActive: true,
	})
	snap := newTestSnapshot(t, data)

	require.NoError(t, v.ValidateReparent(snap, "g-team", "g-other"))
	require.NoError(t, v.ValidateReparent(snap, "g-team", ""))
}

func TestValidateReparentUnknownGroups(t *testing.T) {
	v := NewValidator(16)
	snap := newTestSnapshot(t, fixtureData())

	require.ErrorIs(t, v.ValidateReparent(snap, "g-missing", "g-org"), ErrNotFound)
	require.ErrorIs(t, v.ValidateReparent(snap, "g-team", "g-missing"), ErrNotFound)
}

func TestValidateReparentEnforcesDepth(t *testing.T) {
	v := NewValidator(3)

	// org -> dept -> team is already at the bound; hanging team's subtree
	// deeper is rejected, while re-rooting it is fine.
	data := fixtureData()
	data.Groups = append(data.Groups, PermissionGroup{
		ID: "g-leaf", Name: "Leaf", ParentID: strPtr("g-team"), IsActive: true,
	})
	snap := NewSnapshot("t-1", data, 16, time.Now())

	require.ErrorIs(t, v.ValidateReparent(snap, "g-leaf", "g-team"), ErrDepthExceeded)
	require.NoError(t, v.ValidateReparent(snap, "g-leaf", "g-org"))

	// Moving dept (which carries team and leaf beneath it) under org would
	// make the longest chain four deep.
	require.ErrorIs(t, v.ValidateReparent(snap, "g-dept", "g-org"), ErrDepthExceeded)
	require.NoError(t, v.ValidateReparent(snap, "g-dept", ""))
}

func TestValidateReparentCountsSubtreeHeight(t *testing.T) {
	v := NewValidator(4)
	data := fixtureData()
	data.Groups = append(data.Groups,
		PermissionGroup{ID: "g-a", Name: "A", IsActive: true},
		PermissionGroup{ID: "g-b", Name: "B", ParentID: strPtr("g-a"), IsActive: true},
	)
	snap := newTestSnapshot(t, data)

	// a(+b) under team: chain org,dept,team = 3, plus a and b = 5 > 4.
	require.ErrorIs(t, v.ValidateReparent(snap, "g-a", "g-team"), ErrDepthExceeded)
	// a(+b) under dept: org,dept,a,b = 4, at the bound.
	require.NoError(t, v.ValidateReparent(snap, "g-a", "g-dept"))
}

func TestValidateAttach(t *testing.T) {
	v := NewValidator(3)
	snap := newTestSnapshot(t, fixtureData())

	require.NoError(t, v.ValidateAttach(snap, ""))
	require.NoError(t, v.ValidateAttach(snap, "g-dept"))
	require.ErrorIs(t, v.ValidateAttach(snap, "g-team"), ErrDepthExceeded)
	require.ErrorIs(t, v.ValidateAttach(snap, "g-missing"), ErrNotFound)
}
