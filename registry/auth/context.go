package auth

import (
	"github.com/quay/quay-sub006/registry/datastore/models"
)

const anonymousSubject = "anonymous"

// AuthContext is the identity a service call is performed on behalf of. It is built at the HTTP boundary, either
// from a verified bearer token or from the credentials presented to the token endpoint, and passed explicitly to
// every service operation.
type AuthContext struct {
	// UserID is the namespace ID of the caller. Zero for anonymous callers.
	UserID   int64
	Username string
	IsRobot  bool

	// grants holds the actions a verified token grants per repository path.
	grants map[string]map[string]bool
}

// Anonymous returns the context of an unauthenticated caller.
func Anonymous() AuthContext {
	return AuthContext{}
}

// ForUser returns the context of an authenticated user or robot.
func ForUser(u *models.Namespace) AuthContext {
	return AuthContext{UserID: u.ID, Username: u.Username, IsRobot: u.IsRobot}
}

// IsAnonymous reports whether the caller presented no valid credentials.
func (ac AuthContext) IsAnonymous() bool {
	return ac.UserID == 0
}

// Subject is the sub claim of tokens minted for this caller.
func (ac AuthContext) Subject() string {
	if ac.IsAnonymous() {
		return anonymousSubject
	}
	return ac.Username
}

// WithAccess returns a copy of ac carrying the grants of a verified token.
func (ac AuthContext) WithAccess(access []ResourceActions) AuthContext {
	grants := make(map[string]map[string]bool, len(access))
	for _, ra := range access {
		if ra.Type != "repository" {
			continue
		}
		g, ok := grants[ra.Name]
		if !ok {
			g = make(map[string]bool)
			grants[ra.Name] = g
		}
		for _, a := range ra.Actions {
			g[a] = true
		}
	}
	ac.grants = grants
	return ac
}

// Can reports whether the token the caller presented grants action on the repository. The admin action implies
// every other action.
func (ac AuthContext) Can(repository, action string) bool {
	g := ac.grants[repository]
	if g == nil {
		return false
	}
	return g[action] || g[ActionAll]
}

// claims is the context claim embedded in minted tokens.
func (ac AuthContext) claims() map[string]interface{} {
	kind := "user"
	switch {
	case ac.IsAnonymous():
		kind = anonymousSubject
	case ac.IsRobot:
		kind = "robot"
	}
	return map[string]interface{}{
		"version": 2,
		"kind":    kind,
		"user":    ac.Username,
		"user_id": ac.UserID,
	}
}

// contextFromClaims rebuilds the caller identity from the context claim of a verified token.
func contextFromClaims(c map[string]interface{}) AuthContext {
	var ac AuthContext
	if c == nil {
		return ac
	}
	if id, ok := c["user_id"].(float64); ok {
		ac.UserID = int64(id)
	}
	if u, ok := c["user"].(string); ok {
		ac.Username = u
	}
	if k, ok := c["kind"].(string); ok {
		ac.IsRobot = k == "robot"
	}
	return ac
}
