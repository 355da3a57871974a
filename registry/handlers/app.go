package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/docker/libtrust"
	"github.com/gorilla/mux"
	"github.com/quay/quay-sub006/configuration"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/api/errcode"
	v2 "github.com/quay/quay-sub006/registry/api/v2"
	"github.com/quay/quay-sub006/registry/auth"
	"github.com/quay/quay-sub006/registry/blobs"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/handlers/internal/metrics"
	"github.com/quay/quay-sub006/registry/manifests"
	"github.com/quay/quay-sub006/registry/quota"
	"github.com/quay/quay-sub006/registry/storage"
	"github.com/quay/quay-sub006/registry/storage/cache"
	"github.com/quay/quay-sub006/registry/tags"
)

const apiVersionHeader = "Docker-Distribution-API-Version"

// App is a global registry application object. Shared resources can be placed
// on this object that will be accessible from all requests.
type App struct {
	context.Context

	Config *configuration.Configuration

	router *mux.Router
	db     datastore.Handler
	store  *storage.Store
	cache  cache.Cache
	clock  clock.Clock

	blobs       *blobs.Service
	manifests   *manifests.Service
	tags        *tags.Service
	quota       *quota.Engine
	permissions *auth.PermissionChecker
	issuer      *auth.Issuer
	verifier    *auth.Verifier
	scopes      *auth.ScopeParser
	credentials auth.CredentialValidator
	geoip       GeoIPResolver
	pages       *pageTokenizer
	replicator  blobs.Replicator

	signingKey libtrust.PrivateKey

	// readOnly is true if the registry is in a read-only maintenance mode
	readOnly bool
}

// Option configures optional collaborators of an App.
type Option func(*App)

// WithCache sets the content cache shared by the services.
func WithCache(c cache.Cache) Option {
	return func(app *App) {
		app.cache = c
	}
}

// WithClock sets the clock tokens, tags and temporary links are evaluated against.
func WithClock(c clock.Clock) Option {
	return func(app *App) {
		app.clock = c
	}
}

// WithSigningKey sets the instance key instead of loading auth.signingkey.
func WithSigningKey(k libtrust.PrivateKey) Option {
	return func(app *App) {
		app.signingKey = k
	}
}

// WithCredentialValidator sets the validator of basic auth credentials presented to the token endpoint.
func WithCredentialValidator(v auth.CredentialValidator) Option {
	return func(app *App) {
		app.credentials = v
	}
}

// WithGeoIPResolver overrides the resolver built from the geoip configuration section.
func WithGeoIPResolver(r GeoIPResolver) Option {
	return func(app *App) {
		app.geoip = r
	}
}

// WithReplicator sets where committed blobs are queued for replication when storage replication is enabled.
func WithReplicator(r blobs.Replicator) Option {
	return func(app *App) {
		app.replicator = r
	}
}

// NewApp takes a configuration, the metadata database and the blob store and returns a configured app, ready to
// serve requests.
func NewApp(ctx context.Context, config *configuration.Configuration, db datastore.Handler, store *storage.Store, opts ...Option) (*App, error) {
	app := &App{
		Config:      config,
		Context:     ctx,
		router:      v2.RouterWithPrefix(config.HTTP.Prefix),
		store:       store,
		clock:       clock.New(),
		credentials: auth.DenyAll{},
		readOnly:    config.Registry.ReadOnly,
	}
	for _, opt := range opts {
		opt(app)
	}

	if app.readOnly {
		db = datastore.NewReadOnlyHandler(db)
	}
	app.db = db

	if app.signingKey == nil {
		if config.Auth.SigningKey == "" {
			return nil, errors.New("auth.signingkey is required")
		}
		k, err := auth.LoadSigningKey(config.Auth.SigningKey)
		if err != nil {
			return nil, err
		}
		app.signingKey = k
	}
	if app.geoip == nil {
		r, err := NewCIDRResolver(config.GeoIP)
		if err != nil {
			return nil, fmt.Errorf("configuring geoip: %w", err)
		}
		app.geoip = r
	}
	pages, err := newPageTokenizer(config.HTTP.Secret)
	if err != nil {
		return nil, err
	}
	app.pages = pages

	app.configureAuth()
	app.configureServices()

	// Register the handler dispatchers.
	app.register(v2.RouteNameBase, baseDispatcher)
	app.register(v2.RouteNameAuth, tokenDispatcher)
	app.register(v2.RouteNameCatalog, catalogDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)
	if config.Features.ReferrersAPI {
		app.register(v2.RouteNameReferrers, referrersDispatcher)
	}

	if app.readOnly {
		dcontext.GetLogger(app).Info("registry is in read-only mode")
	}

	return app, nil
}

func (app *App) configureAuth() {
	config := app.Config

	keys := auth.NewKeySet(app.db, config.Auth.Service, app.signingKey, config.Auth.KeyID, auth.WithKeySetClock(app.clock))
	app.issuer = auth.NewIssuer(keys, config.Auth.Issuer, config.Auth.TokenLifetime, app.clock)
	app.verifier = auth.NewVerifier(keys, config.Auth.Issuer, config.Auth.Service, app.clock)
	app.scopes = auth.NewScopeParser(auth.ScopeOptions{
		Hostname:         hostname(config.HTTP.Host),
		LibraryNamespace: config.Registry.LibraryNamespace,
		ExtendedNames:    config.Registry.ExtendedRepositoryNames,
	})
	app.permissions = auth.NewPermissionChecker(app.db, auth.PermissionConfig{
		AnonymousPulls:           config.Auth.AnonymousPulls,
		ProxyCache:               config.Features.ProxyCache,
		CreateNamespaceOnPush:    config.Registry.CreateNamespaceOnPush,
		CreatePrivateRepoOnPush:  config.Registry.CreatePrivateRepoOnPush,
		GlobalReadOnlySuperUsers: config.Auth.GlobalReadOnlySuperUsers,
		SuperUsers:               config.Auth.SuperUsers,
		RestrictedUsers:          config.Features.RestrictedUsers,
	})
}

func (app *App) configureServices() {
	config := app.Config

	app.quota = quota.NewEngine(app.db, quota.Config{
		Enabled:          config.Features.QuotaManagement,
		SuppressFailures: config.Features.QuotaSuppressFailures,
		InvalidateTotals: true,
	}, quota.WithClock(app.clock))

	app.tags = tags.NewService(app.db,
		tags.WithClock(app.clock),
		tags.WithChildManifestExpirationReset(config.Registry.ResetChildManifests()),
	)

	blobOpts := []blobs.Option{blobs.WithClock(app.clock), blobs.WithReadChecker(app.permissions)}
	manifestOpts := []manifests.Option{manifests.WithClock(app.clock), manifests.WithQuota(app.quota)}
	if app.cache != nil {
		blobOpts = append(blobOpts, blobs.WithCache(app.cache))
		manifestOpts = append(manifestOpts, manifests.WithCache(app.cache))
	}
	if config.Features.StorageReplication && app.replicator != nil {
		blobOpts = append(blobOpts, blobs.WithReplicator(app.replicator))
	}

	app.blobs = blobs.NewService(app.db, app.store, blobs.Config{
		MaxLayerSize:            config.Registry.MaximumLayerSize,
		TempLinkExpiration:      config.Registry.PushTempTagExpiration,
		MountTempLinkExpiration: config.Registry.BlobMountTempExpiration,
		CacheTTL:                config.Cache.TTL,
		DirectDownloadDisabled:  config.Features.DirectDownloadDisabled,
	}, blobOpts...)

	app.manifests = manifests.NewService(app.db, app.store, app.tags, manifests.Config{
		TempTagExpiration: config.Registry.PushTempTagExpiration,
		CacheTTL:          config.Cache.TTL,
		SigningKey:        app.signingKey,
	}, manifestOpts...)
}

// Blobs returns the blob service requests are served with.
func (app *App) Blobs() *blobs.Service {
	return app.blobs
}

// Quota returns the quota engine requests are accounted with.
func (app *App) Quota() *quota.Engine {
	return app.quota
}

// DB returns the metadata database handler. It refuses writes when the registry is read-only.
func (app *App) DB() datastore.Handler {
	return app.db
}

// hostname returns the host part of the externally reachable registry URL.
func hostname(host string) string {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimSuffix(host, "/")
}

// register a handler with the application, by route name. The handler will be
// passed through the application filters and context will be constructed at
// request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	handler := app.dispatcher(routeName, dispatch)

	app.router.GetRoute(routeName).Handler(handler)
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Add(apiVersionHeader, "registry/2.0")
	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// Context should contain the request specific context for use in across
// handlers. Resources that don't need to be shared across handlers should not
// be on this object.
type Context struct {
	// App points to the application structure that created this context.
	*App
	context.Context

	// Repository is the repository named in the request, if any.
	Repository *models.Repository

	// AuthContext is the identity of the caller.
	AuthContext auth.AuthContext

	// Errors is a collection of errors encountered during the request to be
	// returned to the client API. If errors are added to the collection, the
	// handler *must not* start the response via http.ResponseWriter.
	Errors errcode.Errors

	vars       map[string]string
	urlBuilder *v2.URLBuilder
}

// Value overrides context.Context.Value to ensure that calls are routed to
// correct context.
func (ctx *Context) Value(key interface{}) interface{} {
	return ctx.Context.Value(key)
}

// statusRecorder captures the status code of a response for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(routeName string, dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := metrics.Request(routeName, r.Method)
		rec := &statusRecorder{ResponseWriter: w}
		w = rec
		defer func() { done(rec.status) }()

		ctx := app.context(r)

		if err := app.checkXHR(r); err != nil {
			dcontext.GetLogger(ctx).WithField("user_agent", r.UserAgent()).Warn("disallowed possible reflected text attack")
			serveError(ctx, w, err)
			return
		}

		// the token endpoint authenticates callers on its own
		if routeName != v2.RouteNameAuth {
			if err := app.authenticate(ctx, r); err != nil {
				app.challenge(ctx, w, nil, err)
				return
			}
		}

		if app.readOnly && !isReadMethod(r.Method) && routeName != v2.RouteNameAuth {
			serveError(ctx, w, errcode.ErrorCodeDenied.WithMessage("registry is in read-only mode").
				WithDetail(map[string]interface{}{"is_readonly": true}))
			return
		}

		if name := getName(ctx); name != "" {
			if ok := app.authorizeRepository(ctx, w, r, name); !ok {
				return
			}
		}

		dispatch(ctx, r).ServeHTTP(w, r)

		// Automated error response handling here. Handlers may return their
		// own errors if they need different behavior (such as range errors
		// for layer upload).
		if ctx.Errors.Len() > 0 {
			serveError(ctx, w, ctx.Errors)
		}
	})
}

// context constructs the context object for the application. This only be
// called once per request.
func (app *App) context(r *http.Request) *Context {
	ctx := dcontext.WithLogger(r.Context(), dcontext.GetLogger(app))
	ctx = dcontext.WithRequest(ctx, r)
	if isReadMethod(r.Method) {
		ctx = datastore.AllowReadOnlyCall(ctx)
	}

	return &Context{
		App:         app,
		Context:     ctx,
		AuthContext: auth.Anonymous(),
		vars:        mux.Vars(r),
		urlBuilder:  v2.NewURLBuilderFromRequest(r),
	}
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func serveError(ctx context.Context, w http.ResponseWriter, err error) {
	if err := errcode.ServeJSON(w, err); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Error("error serving error json")
	}
}

// checkXHR rejects API GETs issued by a browser outside of an XHR call.
func (app *App) checkXHR(r *http.Request) error {
	if app.Config.Features.XHRProtectionDisabled || r.Method != http.MethodGet {
		return nil
	}
	if !isBrowser(r.UserAgent()) || r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
		return nil
	}
	return errcode.ErrorCodeInvalidRequest.WithMessage("API calls must be invoked with an X-Requested-With header if called from a browser")
}

// isBrowser reports whether a user agent belongs to a web browser. Registry clients never claim Mozilla
// compatibility.
func isBrowser(ua string) bool {
	return strings.HasPrefix(ua, "Mozilla/")
}

// authenticate loads the identity of a bearer token presented with the request. Requests without a token are
// anonymous.
func (app *App) authenticate(ctx *Context, r *http.Request) error {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return auth.ErrInvalidToken
	}

	ac, err := app.verifier.Verify(ctx, strings.TrimSpace(token))
	if err != nil {
		return err
	}
	ctx.AuthContext = ac
	ctx.Context = dcontext.WithLogger(ctx.Context, dcontext.GetLoggerWithField(ctx.Context, "auth.user.name", ac.Subject()))
	return nil
}

// authorizeRepository checks the token grants for the action the request needs on the named repository and loads
// the repository. It writes the error response itself and reports whether the request may proceed.
func (app *App) authorizeRepository(ctx *Context, w http.ResponseWriter, r *http.Request, name string) bool {
	action := auth.ActionPull
	if !isReadMethod(r.Method) {
		action = auth.ActionPush
	}

	namespace, repository, err := app.scopes.SplitName(name)
	if err != nil {
		serveError(ctx, w, v2.ErrorCodeNameInvalid.WithDetail(err.Error()))
		return false
	}
	path := namespace + "/" + repository

	if !app.granted(ctx.AuthContext, action, name, path) {
		app.challenge(ctx, w, []string{auth.RepositoryScope(name, action)}, nil)
		return false
	}

	repo, err := datastore.NewRepositoryStore(app.db).FindByPath(ctx, namespace, repository)
	if err != nil {
		serveError(ctx, w, errcode.FromUnknownError(err))
		return false
	}
	if repo == nil || repo.State == models.RepositoryStateMarkedForDeletion {
		dcontext.GetLogger(ctx).Warn("repository not found")
		serveError(ctx, w, v2.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": name}))
		return false
	}

	ctx.Repository = repo
	ctx.Context = dcontext.WithLogger(ctx.Context, dcontext.GetLoggerWithField(ctx.Context, "repository", repo.Path()))
	return true
}

// granted reports whether the token presented by the caller grants action on the repository under any of the names
// clients may have requested it with.
func (app *App) granted(ac auth.AuthContext, action string, names ...string) bool {
	host := hostname(app.Config.HTTP.Host)
	for _, n := range names {
		if ac.Can(n, action) || (host != "" && ac.Can(host+"/"+n, action)) {
			return true
		}
	}
	return false
}

// challenge responds with 401 and a WWW-Authenticate header pointing the client at the token endpoint.
func (app *App) challenge(ctx *Context, w http.ResponseWriter, scopes []string, cause error) {
	realm := app.Config.Auth.Realm
	if realm == "" {
		if u, err := ctx.urlBuilder.BuildBaseURL(); err == nil {
			realm = strings.TrimSuffix(u, "/") + "/auth"
		}
	}
	w.Header().Set("WWW-Authenticate", auth.Challenge(realm, app.Config.Auth.Service, scopes...))

	log := dcontext.GetLogger(ctx)
	if cause != nil {
		log = log.WithError(cause)
	}
	log.Debug("request not authorized")

	var detail interface{}
	if len(scopes) > 0 {
		detail = scopes
	}
	serveError(ctx, w, errcode.ErrorCodeUnauthorized.WithDetail(detail))
}
