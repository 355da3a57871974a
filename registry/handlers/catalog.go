package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/handlers"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/api/errcode"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/storage/cache"
)

func catalogDispatcher(ctx *Context, r *http.Request) http.Handler {
	catalogHandler := &catalogHandler{
		Context: ctx,
	}

	return handlers.MethodHandler{
		"GET": http.HandlerFunc(catalogHandler.GetCatalog),
	}
}

type catalogHandler struct {
	*Context
}

type catalogAPIResponse struct {
	Repositories []string `json:"repositories"`
}

// catalogPage is a page of the catalog as cached for a caller.
type catalogPage struct {
	Repositories []string `json:"repositories"`
	// NextID is the ID the following page starts after. Zero on the last page.
	NextID int64 `json:"next_id,omitempty"`
}

func (ch *catalogHandler) page(ctx context.Context, afterID int64, limit int) (*catalogPage, error) {
	ac := ch.AuthContext
	key := cache.CatalogPageKey(ac.Subject(), afterID, limit)
	if ch.cache != nil {
		var p catalogPage
		found, err := cache.GetJSON(ctx, ch.cache, key, &p)
		if err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warn("reading catalog page from cache")
		}
		if found {
			return &p, nil
		}
	}

	// one more than requested tells whether a next page exists
	rr, err := datastore.NewRepositoryStore(ch.db).FindVisiblePaginated(ctx, datastore.CatalogFilter{
		UserID:        ac.UserID,
		IncludePublic: !ac.IsAnonymous() || ch.Config.Auth.AnonymousPulls,
		All:           ch.permissions.CanListAll(ac),
		AfterID:       afterID,
		Limit:         limit + 1,
	})
	if err != nil {
		return nil, err
	}

	p := &catalogPage{Repositories: make([]string, 0, limit)}
	if len(rr) > limit {
		rr = rr[:limit]
		p.NextID = rr[len(rr)-1].ID
	}
	for _, r := range rr {
		p.Repositories = append(p.Repositories, r.Path())
	}

	if ch.cache != nil {
		if err := cache.SetJSON(ctx, ch.cache, key, p, ch.Config.Cache.TTL); err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warn("caching catalog page")
		}
	}
	return p, nil
}

// GetCatalog lists the repositories visible to the caller, ordered by creation.
func (ch *catalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := pageSize(q, ch.Config.Registry.PaginationSize, maximumPageSize)

	var afterID int64
	if s := q.Get("next_page"); s != "" {
		t, err := ch.pages.decode(s)
		if err != nil {
			ch.Errors = append(ch.Errors, errcode.ErrorCodeInvalidRequest.WithMessage(err.Error()))
			return
		}
		afterID = t.StartID
	}

	p, err := ch.page(ch, afterID, limit)
	if err != nil {
		ch.Errors = append(ch.Errors, errcode.FromUnknownError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")

	// Add a link header if there are more entries to retrieve
	if p.NextID != 0 {
		token, err := ch.pages.encode(pageToken{StartID: p.NextID})
		if err != nil {
			ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		u, err := ch.urlBuilder.BuildCatalogURL(url.Values{
			"n":         []string{strconv.Itoa(limit)},
			"next_page": []string{token},
		})
		if err != nil {
			ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		setNextLink(w, u)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(catalogAPIResponse{
		Repositories: p.Repositories,
	}); err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}
