package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quay/quay-sub006/registry/datastore/models"
)

// ErrInvalidCredentials is returned by a CredentialValidator when the presented credentials are rejected.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Challenge builds the value of a WWW-Authenticate header pointing clients at the token endpoint.
func Challenge(realm, service string, scopes ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bearer realm=%q,service=%q", realm, service)
	if len(scopes) > 0 {
		fmt.Fprintf(&b, ",scope=%q", strings.Join(scopes, " "))
	}
	return b.String()
}

// RepositoryScope formats a repository scope for a challenge.
func RepositoryScope(name string, actions ...string) string {
	return fmt.Sprintf("repository:%s:%s", name, strings.Join(actions, ","))
}

// CredentialValidator checks the basic auth credentials presented to the token endpoint. Implementations are backed
// by an external login provider.
type CredentialValidator interface {
	Validate(ctx context.Context, username, password string) (*models.Namespace, error)
}

// DenyAll is a CredentialValidator rejecting every credential.
type DenyAll struct{}

// Validate implements CredentialValidator.
func (DenyAll) Validate(context.Context, string, string) (*models.Namespace, error) {
	return nil, ErrInvalidCredentials
}
