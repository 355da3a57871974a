package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/handlers"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/api/errcode"
)

// tagsDispatcher constructs the tags handler api endpoint.
func tagsDispatcher(ctx *Context, r *http.Request) http.Handler {
	tagsHandler := &tagsHandler{
		Context: ctx,
	}
	h := handlers.MethodHandler{
		"GET": http.HandlerFunc(tagsHandler.GetTags),
	}
	return h
}

// tagsHandler handles requests for lists of tags under a repository name.
type tagsHandler struct {
	*Context
}

type tagsAPIResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// GetTags returns a json list of the alive tags of a repository. Clients page either with the last parameter or
// with the opaque next_page token of the Link header.
func (th *tagsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	q := r.URL.Query()
	limit := pageSize(q, th.Config.Registry.PaginationSize, maximumPageSize)
	last := q.Get("last")
	if s := q.Get("next_page"); s != "" {
		t, err := th.pages.decode(s)
		if err != nil {
			th.Errors = append(th.Errors, errcode.ErrorCodeInvalidRequest.WithMessage(err.Error()))
			return
		}
		last = t.Last
	}

	log := dcontext.GetLoggerWithFields(th, map[interface{}]interface{}{"limit": limit, "marker": last})
	log.Debug("listing tags")

	tt, err := th.tags.ListAlive(th, th.Repository, last, limit+1)
	if err != nil {
		th.Errors = append(th.Errors, errcode.FromUnknownError(err))
		return
	}
	moreEntries := len(tt) > limit
	if moreEntries {
		tt = tt[:limit]
	}

	names := make([]string, 0, len(tt))
	for _, t := range tt {
		names = append(names, t.Name)
	}

	w.Header().Set("Content-Type", "application/json")

	// Add a link header if there are more entries to retrieve
	if moreEntries {
		token, err := th.pages.encode(pageToken{Last: names[len(names)-1]})
		if err != nil {
			th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		u, err := th.urlBuilder.BuildTagsURL(getName(th.Context), url.Values{
			"n":         []string{strconv.Itoa(limit)},
			"next_page": []string{token},
		})
		if err != nil {
			th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		setNextLink(w, u)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(tagsAPIResponse{
		Name: th.Repository.Path(),
		Tags: names,
	}); err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}
