package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/api/errcode"
	"github.com/quay/quay-sub006/registry/auth"
)

// tokenDispatcher serves the bearer token endpoint.
func tokenDispatcher(ctx *Context, r *http.Request) http.Handler {
	th := &tokenHandler{Context: ctx}
	return handlers.MethodHandler{
		"GET": http.HandlerFunc(th.GetToken),
	}
}

type tokenHandler struct {
	*Context
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// GetToken mints a token granting the caller the subset of the requested scopes it is allowed. Callers authenticate
// with basic auth; requests without credentials get an anonymous token.
func (th *tokenHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	service := q.Get("service")
	if service == "" {
		service = th.Config.Auth.Service
	}
	scopes := q["scope"]

	log := dcontext.GetLoggerWithFields(th, map[interface{}]interface{}{
		"service": service,
		"scopes":  scopes,
	})

	ac := auth.Anonymous()
	if username, password, ok := r.BasicAuth(); ok {
		u, err := th.credentials.Validate(th, username, password)
		if err != nil {
			log.WithError(err).WithField("username", username).Info("invalid login")
			th.challenge(th.Context, w, nil, err)
			return
		}
		ac = auth.ForUser(u)
	} else if r.Header.Get("Authorization") != "" {
		th.challenge(th.Context, w, nil, errors.New("unsupported authorization scheme"))
		return
	}

	if ac.IsAnonymous() && len(scopes) == 0 {
		log.Debug("no user and no scope requested")
		th.challenge(th.Context, w, nil, nil)
		return
	}

	access := make([]auth.ResourceActions, 0, len(scopes))
	for _, s := range scopes {
		if s == "" {
			if ac.IsAnonymous() {
				th.challenge(th.Context, w, nil, nil)
				return
			}
			continue
		}

		scope, err := th.scopes.Parse(s)
		if err != nil {
			log.WithError(err).Warn("unable to decode repository and actions")
			th.Errors = append(th.Errors, apiError(err))
			return
		}
		if th.readOnly {
			scope.Actions = readOnlyActions(scope.Actions)
		}

		ra, err := th.permissions.Authorize(th, ac, scope)
		if err != nil {
			th.Errors = append(th.Errors, apiError(err))
			return
		}
		access = append(access, *ra)
	}

	token, err := th.issuer.Issue(th, ac, service, access)
	if err != nil {
		th.Errors = append(th.Errors, errcode.FromUnknownError(err))
		return
	}

	log.WithFields(map[string]interface{}{
		"auth.user.name": ac.Subject(),
		"access":         access,
	}).Info("token issued")

	lifetime := int(th.Config.Auth.TokenLifetime / time.Second)
	enc, err := json.Marshal(tokenResponse{
		Token:       token,
		AccessToken: token,
		ExpiresIn:   lifetime,
		IssuedAt:    th.clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(enc)
}

// readOnlyActions drops the actions that would write to the registry.
func readOnlyActions(actions []string) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		if a == auth.ActionPull {
			out = append(out, a)
		}
	}
	return out
}
