package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	userdomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/user/domain"
)

func TestDefaultPolicy_RoleTable(t *testing.T) {
	g, err := NewGuard(context.Background())
	require.NoError(t, err)

	testCases := []struct {
		role    userdomain.Role
		allowed []Surface
		denied  []Surface
	}{
		{
			role:    userdomain.RoleCitizen,
			allowed: []Surface{SurfaceDashboard, SurfaceProfile, SurfaceSelfExclusion, SurfaceDevices},
			denied:  []Surface{SurfaceOperatorScreening, SurfaceRegulatorOversight, SurfaceAuditLog},
		},
		{
			role:    userdomain.RoleOperator,
			allowed: []Surface{SurfaceDashboard, SurfaceOperatorScreening, SurfaceOperatorAPIKeys, SurfaceSessions},
			denied:  []Surface{SurfaceSelfExclusion, SurfaceRegulatorReports, SurfaceOperatorRegistry},
		},
		{
			role:    userdomain.RoleRegulator,
			allowed: []Surface{SurfaceRegulatorOversight, SurfaceOperatorRegistry, SurfaceAuditLog, SurfaceSecurity},
			denied:  []Surface{SurfaceOperatorScreening, SurfaceSelfExclusion},
		},
	}
	for _, tc := range testCases {
		t.Run(string(tc.role), func(t *testing.T) {
			for _, s := range tc.allowed {
				assert.True(t, g.Can(tc.role, s), "%s should open %s", tc.role, s)
			}
			for _, s := range tc.denied {
				assert.False(t, g.Can(tc.role, s), "%s should not open %s", tc.role, s)
			}
		})
	}
}

func TestUnknownRolesGetCitizenSet(t *testing.T) {
	g := Default()
	citizen := g.AllowedSurfaces(userdomain.RoleCitizen).List()
	for _, role := range []userdomain.Role{"", "admin", "OPERATOR", "super_regulator"} {
		assert.Equal(t, citizen, g.AllowedSurfaces(role).List(), "role %q", role)
		assert.False(t, g.Can(role, SurfaceOperatorScreening))
		assert.False(t, g.Can(role, SurfaceAuditLog))
	}
}

func TestDeterministic(t *testing.T) {
	a, err := NewGuard(context.Background())
	require.NoError(t, err)
	b := Default()
	for _, role := range userdomain.KnownRoles {
		assert.Equal(t, a.AllowedSurfaces(role).List(), b.AllowedSurfaces(role).List())
	}
	assert.Same(t, Default(), b)
}

func TestSurfaceSet_ListIsACopy(t *testing.T) {
	g := Default()
	list := g.AllowedSurfaces(userdomain.RoleCitizen).List()
	require.NotEmpty(t, list)
	list[0] = SurfaceAuditLog
	assert.False(t, g.Can(userdomain.RoleCitizen, SurfaceAuditLog))
	assert.Equal(t, len(list), g.AllowedSurfaces(userdomain.RoleCitizen).Len())
}

func TestNewGuardFromPolicy_RejectsPermissiveDefault(t *testing.T) {
	src := `package nser.portal.access

allowed := {"dashboard", "audit_log"} if {
	input.role != "citizen"
}

allowed := {"dashboard"} if {
	input.role == "citizen"
}
`
	_, err := NewGuardFromPolicy(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit_log")
}

func TestNewGuardFromPolicy_CompileError(t *testing.T) {
	_, err := NewGuardFromPolicy(context.Background(), "package broken\n\nallowed := {")
	require.Error(t, err)
}
