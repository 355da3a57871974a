package handlers

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// baseDispatcher serves the version check endpoint.
func baseDispatcher(ctx *Context, r *http.Request) http.Handler {
	return handlers.MethodHandler{
		"GET": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// clients only request a token once told to
			if ctx.AuthContext.IsAnonymous() && r.Header.Get("Authorization") == "" {
				ctx.challenge(ctx, w, nil, nil)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Length", "2")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("{}"))
		}),
	}
}
