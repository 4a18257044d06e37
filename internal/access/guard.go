// Package access decides which portal surfaces a role may open. Grants are written in Rego
// and evaluated once, at construction, into an immutable table; lookups are pure.
package access

import (
	"context"
	_ "embed"
	"fmt"
	"slices"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	userdomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/user/domain"
)

//go:embed policy.rego
var defaultPolicy string

const allowedQuery = "data.nser.portal.access.allowed"

// Surface identifies a protected portal surface (a route or feature).
type Surface string

const (
	SurfaceDashboard          Surface = "dashboard"
	SurfaceProfile            Surface = "profile"
	SurfaceSecurity           Surface = "security"
	SurfaceDevices            Surface = "devices"
	SurfaceSessions           Surface = "sessions"
	SurfaceSelfExclusion      Surface = "self_exclusion"
	SurfaceExclusionHistory   Surface = "exclusion_history"
	SurfaceOperatorScreening  Surface = "operator_screening"
	SurfaceOperatorReports    Surface = "operator_reports"
	SurfaceOperatorAPIKeys    Surface = "operator_api_keys"
	SurfaceRegulatorOversight Surface = "regulator_oversight"
	SurfaceRegulatorReports   Surface = "regulator_reports"
	SurfaceOperatorRegistry   Surface = "operator_registry"
	SurfaceAuditLog           Surface = "audit_log"
)

// SurfaceSet is a read-only set of surfaces.
type SurfaceSet struct {
	m map[Surface]struct{}
}

func newSurfaceSet(items []Surface) SurfaceSet {
	m := make(map[Surface]struct{}, len(items))
	for _, s := range items {
		m[s] = struct{}{}
	}
	return SurfaceSet{m: m}
}

// Has reports whether s is in the set.
func (s SurfaceSet) Has(surface Surface) bool {
	_, ok := s.m[surface]
	return ok
}

// Len returns the number of surfaces.
func (s SurfaceSet) Len() int { return len(s.m) }

// List returns the surfaces in sorted order.
func (s SurfaceSet) List() []Surface {
	out := make([]Surface, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Guard maps roles to their permitted surfaces.
type Guard struct {
	table    map[userdomain.Role]SurfaceSet
	fallback SurfaceSet
}

// NewGuard compiles the embedded policy and evaluates it for every known role.
func NewGuard(ctx context.Context) (*Guard, error) {
	return NewGuardFromPolicy(ctx, defaultPolicy)
}

// NewGuardFromPolicy builds a Guard from Rego source defining data.nser.portal.access.allowed.
// It fails if the set given to unknown roles contains any surface reserved to operators or regulators.
func NewGuardFromPolicy(ctx context.Context, src string) (*Guard, error) {
	compiler, err := ast.CompileModules(map[string]string{"policy.rego": src})
	if err != nil {
		return nil, fmt.Errorf("access: compile policy: %w", err)
	}
	query, err := rego.New(rego.Query(allowedQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("access: prepare policy: %w", err)
	}

	g := &Guard{table: make(map[userdomain.Role]SurfaceSet, len(userdomain.KnownRoles))}
	for _, role := range userdomain.KnownRoles {
		set, err := evalSurfaces(ctx, query, string(role))
		if err != nil {
			return nil, fmt.Errorf("access: evaluate role %q: %w", role, err)
		}
		g.table[role] = set
	}
	if g.fallback, err = evalSurfaces(ctx, query, ""); err != nil {
		return nil, fmt.Errorf("access: evaluate default role: %w", err)
	}

	citizen := g.table[userdomain.RoleCitizen]
	for _, role := range []userdomain.Role{userdomain.RoleOperator, userdomain.RoleRegulator} {
		for _, s := range g.table[role].List() {
			if g.fallback.Has(s) && !citizen.Has(s) {
				return nil, fmt.Errorf("access: default surfaces include %q reserved to %s", s, role)
			}
		}
	}
	return g, nil
}

func evalSurfaces(ctx context.Context, query rego.PreparedEvalQuery, role string) (SurfaceSet, error) {
	rs, err := query.Eval(ctx, rego.EvalInput(map[string]any{"role": role}))
	if err != nil {
		return SurfaceSet{}, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return SurfaceSet{}, fmt.Errorf("policy query returned no result")
	}
	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return SurfaceSet{}, fmt.Errorf("policy returned %T, want a set of strings", rs[0].Expressions[0].Value)
	}
	items := make([]Surface, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return SurfaceSet{}, fmt.Errorf("policy returned non-string surface %v", v)
		}
		items = append(items, Surface(s))
	}
	return newSurfaceSet(items), nil
}

// AllowedSurfaces returns the surfaces role may open. Unknown roles get the most restrictive set.
func (g *Guard) AllowedSurfaces(role userdomain.Role) SurfaceSet {
	if set, ok := g.table[role]; ok {
		return set
	}
	return g.fallback
}

// Can reports whether role may open surface.
func (g *Guard) Can(role userdomain.Role, surface Surface) bool {
	return g.AllowedSurfaces(role).Has(surface)
}

var defaultGuard = sync.OnceValues(func() (*Guard, error) {
	return NewGuard(context.Background())
})

// Default returns the process-wide guard built from the embedded policy.
// It panics if the embedded policy does not compile, which no input can cause.
func Default() *Guard {
	g, err := defaultGuard()
	if err != nil {
		panic(err)
	}
	return g
}
