package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"newsportal/internal/observability"
	"newsportal/internal/portal"
)

type UserStore interface {
	GetByEmail(ctx context.Context, email string) (portal.User, error)
}

// Surface is a protected area and the roles allowed into it.
type Surface struct {
	Name  string
	Roles []portal.Role
}

var (
	PortalSurface = Surface{Name: "portal", Roles: []portal.Role{portal.RoleAdmin, portal.RoleEditor, portal.RoleAuthor}}
	AdminSurface  = Surface{Name: "admin", Roles: []portal.Role{portal.RoleAdmin}}
)

type DenyReason string

const (
	DenyMissingUser DenyReason = "missing_user"
	DenyRole        DenyReason = "role"
)

// Result is either Authorized with User set, or denied with a Reason.
type Result struct {
	Authorized bool
	User       portal.User
	Reason     DenyReason
}

func authorized(user portal.User) Result {
	return Result{Authorized: true, User: user}
}

func denied(reason DenyReason) Result {
	return Result{Reason: reason}
}

// Gate decides whether a proven email belongs to a portal user allowed on a
// surface. It has no side effects: callers decide what a denial triggers.
type Gate struct {
	users   UserStore
	metrics *observability.Metrics
}

func NewGate(users UserStore, metrics *observability.Metrics) *Gate {
	return &Gate{users: users, metrics: metrics}
}

func (g *Gate) Authorize(ctx context.Context, email string, surface Surface) (Result, error) {
	if email == "" {
		g.metrics.GateDecision(surface.Name, string(DenyMissingUser))
		return denied(DenyMissingUser), nil
	}

	user, err := g.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, portal.ErrUserNotFound) {
			g.metrics.GateDecision(surface.Name, string(DenyMissingUser))
			return denied(DenyMissingUser), nil
		}
		g.metrics.GateDecision(surface.Name, "error")
		return Result{}, fmt.Errorf("lookup portal user: %w", err)
	}

	if !slices.Contains(surface.Roles, user.Role) {
		g.metrics.GateDecision(surface.Name, string(DenyRole))
		return denied(DenyRole), nil
	}

	g.metrics.GateDecision(surface.Name, "authorized")
	return authorized(user), nil
}
