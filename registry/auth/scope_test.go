package auth_test

import (
	"errors"
	"testing"

	"github.com/quay/quay-sub006/registry/auth"
	"github.com/stretchr/testify/require"
)

func TestParseScope(t *testing.T) {
	opts := auth.ScopeOptions{Hostname: "quay.example.com", LibraryNamespace: "library"}

	tcs := []struct {
		name    string
		scope   string
		opts    *auth.ScopeOptions
		want    *auth.Scope
		wantErr error
	}{
		{
			name:  "namespaced pull",
			scope: "repository:acme/web:pull",
			want: &auth.Scope{
				RegistryAndRepository: "acme/web",
				Namespace:             "acme",
				Repository:            "web",
				Actions:               []string{"pull"},
			},
		},
		{
			name:  "library namespace",
			scope: "repository:ubuntu:pull,push",
			want: &auth.Scope{
				RegistryAndRepository: "ubuntu",
				Namespace:             "library",
				Repository:            "ubuntu",
				Actions:               []string{"pull", "push"},
			},
		},
		{
			name:  "registry prefix",
			scope: "repository:quay.example.com/acme/web:*",
			want: &auth.Scope{
				RegistryAndRepository: "quay.example.com/acme/web",
				Namespace:             "acme",
				Repository:            "web",
				Actions:               []string{"*"},
			},
		},
		{
			name:  "duplicated actions",
			scope: "repository:acme/web:pull,pull,push",
			want: &auth.Scope{
				RegistryAndRepository: "acme/web",
				Namespace:             "acme",
				Repository:            "web",
				Actions:               []string{"pull", "push"},
			},
		},
		{
			name:  "extended names",
			scope: "repository:acme/team/web:pull",
			opts:  &auth.ScopeOptions{LibraryNamespace: "library", ExtendedNames: true},
			want: &auth.Scope{
				RegistryAndRepository: "acme/team/web",
				Namespace:             "acme",
				Repository:            "team/web",
				Actions:               []string{"pull"},
			},
		},
		{
			name:    "nested without extended names",
			scope:   "repository:acme/team/web:pull",
			wantErr: auth.NameInvalidError{Name: "acme/team/web", Nested: true},
		},
		{
			name:    "unknown action",
			scope:   "repository:acme/web:delete",
			wantErr: auth.ErrInvalidScope,
		},
		{
			name:    "not a repository scope",
			scope:   "registry:catalog:*",
			wantErr: auth.ErrInvalidScope,
		},
		{
			name:    "uppercase name",
			scope:   "repository:acme/Web:pull",
			wantErr: auth.NameInvalidError{Name: "acme/Web"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			o := opts
			if tc.opts != nil {
				o = *tc.opts
			}

			got, err := auth.ParseScope(tc.scope, o)
			if tc.wantErr != nil {
				require.Error(t, err)
				var nie auth.NameInvalidError
				if errors.As(tc.wantErr, &nie) {
					require.Equal(t, tc.wantErr, err)
				} else {
					require.ErrorIs(t, err, tc.wantErr)
				}
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestScope_Path(t *testing.T) {
	s := &auth.Scope{Namespace: "acme", Repository: "web", Actions: []string{"pull"}}
	require.Equal(t, "acme/web", s.Path())
	require.True(t, s.Requests(auth.ActionPull))
	require.False(t, s.Requests(auth.ActionPush))
}
