package configuration

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is a versioned registry configuration, intended to be provided by a yaml file, and optionally
// modified by environment variables.
//
// Note that yaml field names should never include _ characters, since this is the separator used in environment
// variable names.
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging subsystem.
	Log Log `yaml:"log"`

	// HTTP contains configuration parameters for the registry's http interface.
	HTTP HTTP `yaml:"http,omitempty"`

	// Database is the configuration for the registry's metadata database.
	Database Database `yaml:"database"`

	// Storage is the configuration for the registry's storage locations.
	Storage Storage `yaml:"storage"`

	// Redis configures the redis pool available to the registry content cache.
	Redis Redis `yaml:"redis,omitempty"`

	// Auth configures bearer token issuing and validation.
	Auth Auth `yaml:"auth,omitempty"`

	// Registry holds the push/pull behaviour options.
	Registry Registry `yaml:"registry,omitempty"`

	// Features toggles optional subsystems.
	Features Features `yaml:"features,omitempty"`

	// GC configures the background garbage collection agent.
	GC GC `yaml:"gc,omitempty"`

	// Quota configures the quota background workers.
	Quota Quota `yaml:"quota,omitempty"`

	// Cache configures the content cache.
	Cache Cache `yaml:"cache,omitempty"`

	// GeoIP is a static table of client networks to ISO country codes used by region blocking.
	GeoIP GeoIP `yaml:"geoip,omitempty"`
}

// Log configures the logging subsystem.
type Log struct {
	// AccessLog configures access logging.
	AccessLog struct {
		// Disabled disables access logging.
		Disabled bool `yaml:"disabled,omitempty"`
	} `yaml:"accesslog,omitempty"`

	// Level is the granularity at which registry operations are logged.
	Level Loglevel `yaml:"level,omitempty"`

	// Formatter overrides the default formatter with another. Options include "text" and "json".
	Formatter logFormat `yaml:"formatter,omitempty"`

	// Fields allows users to specify static string fields to include in the logger context.
	Fields map[string]interface{} `yaml:"fields,omitempty"`
}

// HTTP contains configuration parameters for the registry's http interface.
type HTTP struct {
	// Addr specifies the bind address for the registry instance.
	Addr string `yaml:"addr,omitempty"`

	// Host specifies an externally-reachable address for the registry, as a fully qualified URL. It is used as
	// the token service name and for building the WWW-Authenticate realm.
	Host string `yaml:"host,omitempty"`

	Prefix string `yaml:"prefix,omitempty"`

	// Secret specifies the secret key which pagination tokens are sealed with.
	Secret string `yaml:"secret,omitempty"`

	// DrainTimeout is the amount of time to wait for connections to drain before shutting down when registry
	// receives a stop signal.
	DrainTimeout time.Duration `yaml:"draintimeout,omitempty"`

	// TLS instructs the http server to listen with a TLS configuration.
	TLS struct {
		Certificate string `yaml:"certificate,omitempty"`
		Key         string `yaml:"key,omitempty"`

		// LetsEncrypt is used to configuration setting up TLS through Let's Encrypt instead of manually
		// specifying certificate and key.
		LetsEncrypt struct {
			CacheFile string   `yaml:"cachefile,omitempty"`
			Email     string   `yaml:"email,omitempty"`
			Hosts     []string `yaml:"hosts,omitempty"`
		} `yaml:"letsencrypt,omitempty"`
	} `yaml:"tls,omitempty"`

	// Debug configures the http debug interface, if specified.
	Debug struct {
		Addr       string `yaml:"addr,omitempty"`
		Prometheus struct {
			Enabled bool   `yaml:"enabled,omitempty"`
			Path    string `yaml:"path,omitempty"`
		} `yaml:"prometheus,omitempty"`
	} `yaml:"debug,omitempty"`
}

// Database is the configuration for the registry's metadata database
type Database struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	DBName   string `yaml:"dbname,omitempty"`
	// SSLMode is the SSL mode, see https://www.postgresql.org/docs/current/libpq-ssl.html#LIBPQ-SSL-SSLMODE-STATEMENTS
	SSLMode        string        `yaml:"sslmode,omitempty"`
	SSLCert        string        `yaml:"sslcert,omitempty"`
	SSLKey         string        `yaml:"sslkey,omitempty"`
	SSLRootCert    string        `yaml:"sslrootcert,omitempty"`
	ConnectTimeout time.Duration `yaml:"connecttimeout,omitempty"`
	Pool           struct {
		MaxIdle     int           `yaml:"maxidle,omitempty"`
		MaxOpen     int           `yaml:"maxopen,omitempty"`
		MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
	} `yaml:"pool,omitempty"`
}

// Storage defines the ordered set of storage locations blobs are placed on.
type Storage struct {
	// Preferred is the location new uploads are written to. Defaults to the first location.
	Preferred string `yaml:"preferred,omitempty"`

	Locations []StorageLocation `yaml:"locations"`
}

// StorageLocation is a named storage backend.
type StorageLocation struct {
	Name       string     `yaml:"name"`
	Driver     string     `yaml:"driver"`
	Parameters Parameters `yaml:"parameters,omitempty"`
}

// Parameters defines a key-value parameters mapping
type Parameters map[string]interface{}

// PreferredLocation returns the name of the location new content is written to.
func (s Storage) PreferredLocation() string {
	if s.Preferred != "" {
		return s.Preferred
	}
	if len(s.Locations) > 0 {
		return s.Locations[0].Name
	}
	return ""
}

// Redis configures the redis pool available to the registry cache.
type Redis struct {
	// Addr specifies the redis instance available to the application.
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	DialTimeout  time.Duration `yaml:"dialtimeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"readtimeout,omitempty"`
	WriteTimeout time.Duration `yaml:"writetimeout,omitempty"`

	Pool struct {
		// Size is the maximum number of socket connections.
		Size        int           `yaml:"size,omitempty"`
		MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
		IdleTimeout time.Duration `yaml:"idletimeout,omitempty"`
	} `yaml:"pool,omitempty"`
}

// Auth configures the bearer token issuer.
type Auth struct {
	// Realm is the URL clients are pointed at in WWW-Authenticate challenges. Defaults to <http.host>/v2/auth.
	Realm string `yaml:"realm,omitempty"`
	// Service is the audience of issued tokens. Defaults to the host of http.host.
	Service string `yaml:"service,omitempty"`
	// Issuer is the iss claim of issued tokens.
	Issuer string `yaml:"issuer,omitempty"`
	// SigningKey is the path to a PEM encoded RSA private key.
	SigningKey string `yaml:"signingkey,omitempty"`
	// KeyID overrides the kid header. Defaults to the libtrust key id of SigningKey.
	KeyID string `yaml:"keyid,omitempty"`
	// TokenLifetime is TOKEN_VALIDITY_LIFETIME_S.
	TokenLifetime time.Duration `yaml:"tokenlifetime,omitempty"`
	// AnonymousPulls allows anonymous callers to pull public repositories.
	AnonymousPulls bool `yaml:"anonymouspulls,omitempty"`
	// GlobalReadOnlySuperUsers can pull every repository.
	GlobalReadOnlySuperUsers []string `yaml:"globalreadonlysuperusers,omitempty"`
	// SuperUsers can do anything on every repository.
	SuperUsers []string `yaml:"superusers,omitempty"`
}

// Registry holds push/pull behaviour options.
type Registry struct {
	// PushTempTagExpiration is PUSH_TEMP_TAG_EXPIRATION_SEC.
	PushTempTagExpiration time.Duration `yaml:"pushtemptagexpiration,omitempty"`
	// MaximumLayerSize is MAXIMUM_LAYER_SIZE in bytes.
	MaximumLayerSize int64 `yaml:"maximumlayersize,omitempty"`
	// PaginationSize is V2_PAGINATION_SIZE.
	PaginationSize int `yaml:"paginationsize,omitempty"`
	// LibraryNamespace is LIBRARY_NAMESPACE, used for single component repository names.
	LibraryNamespace string `yaml:"librarynamespace,omitempty"`
	// CreateNamespaceOnPush is CREATE_NAMESPACE_ON_PUSH.
	CreateNamespaceOnPush bool `yaml:"createnamespaceonpush,omitempty"`
	// CreatePrivateRepoOnPush is CREATE_PRIVATE_REPO_ON_PUSH.
	CreatePrivateRepoOnPush bool `yaml:"createprivaterepoonpush,omitempty"`
	// ReadOnly puts the registry in read-only mode.
	ReadOnly bool `yaml:"readonly,omitempty"`
	// ExtendedRepositoryNames allows nested repository names.
	ExtendedRepositoryNames bool `yaml:"extendedrepositorynames,omitempty"`
	// ResetChildManifestExpiration expires child manifest temporary tags when a manifest list tag is deleted.
	ResetChildManifestExpiration *bool `yaml:"resetchildmanifestexpiration,omitempty"`
	// BlobMountTempExpiration is the lifetime of the temporary link created by a cross repository mount.
	BlobMountTempExpiration time.Duration `yaml:"blobmounttempexpiration,omitempty"`
	// StaleUploadWindow is the age after which incomplete uploads are reaped.
	StaleUploadWindow time.Duration `yaml:"staleuploadwindow,omitempty"`
}

// ResetChildManifests reports whether child manifest temporary tags are expired with their parent tag.
func (r Registry) ResetChildManifests() bool {
	return r.ResetChildManifestExpiration == nil || *r.ResetChildManifestExpiration
}

// Features toggles optional subsystems.
type Features struct {
	RestrictedUsers        bool `yaml:"restrictedusers,omitempty"`
	ProxyCache             bool `yaml:"proxycache,omitempty"`
	StorageReplication     bool `yaml:"storagereplication,omitempty"`
	SecurityScanner        bool `yaml:"securityscanner,omitempty"`
	QuotaManagement        bool `yaml:"quotamanagement,omitempty"`
	QuotaSuppressFailures  bool `yaml:"quotasuppressfailures,omitempty"`
	GeoRestrictions        bool `yaml:"georestrictions,omitempty"`
	ReferrersAPI           bool `yaml:"referrersapi,omitempty"`
	XHRProtectionDisabled  bool `yaml:"xhrprotectiondisabled,omitempty"`
	DirectDownloadDisabled bool `yaml:"directdownloaddisabled,omitempty"`
}

// GC configures the online garbage collection agent.
type GC struct {
	Disabled bool `yaml:"disabled,omitempty"`
	// Interval is the initial sleep interval between worker runs.
	Interval time.Duration `yaml:"interval,omitempty"`
	// MaxBackoff is the maximum exponential back off between worker runs.
	MaxBackoff time.Duration `yaml:"maxbackoff,omitempty"`
	// NoIdleBackoff disables the back off when no work was found.
	NoIdleBackoff bool `yaml:"noidlebackoff,omitempty"`
	// TransactionTimeout bounds every worker database transaction.
	TransactionTimeout time.Duration `yaml:"transactiontimeout,omitempty"`
	// Policies is the list of time machine windows (in seconds) garbage is looked up for. Defaults to the
	// windows configured on namespaces.
	Policies []int64 `yaml:"policies,omitempty"`
	Workers  struct {
		Garbage struct {
			Disabled bool `yaml:"disabled,omitempty"`
		} `yaml:"garbage,omitempty"`
		Purge struct {
			Disabled bool `yaml:"disabled,omitempty"`
		} `yaml:"purge,omitempty"`
		Uploads struct {
			Disabled bool `yaml:"disabled,omitempty"`
		} `yaml:"uploads,omitempty"`
	} `yaml:"workers,omitempty"`
}

// Quota configures the quota workers.
type Quota struct {
	BackfillDisabled     bool          `yaml:"backfilldisabled,omitempty"`
	BackfillInterval     time.Duration `yaml:"backfillinterval,omitempty"`
	RegistrySizeDisabled bool          `yaml:"registrysizedisabled,omitempty"`
	RegistrySizeInterval time.Duration `yaml:"registrysizeinterval,omitempty"`
}

// Cache configures the content cache.
type Cache struct {
	// Driver is either "memory" or "redis".
	Driver string        `yaml:"driver,omitempty"`
	TTL    time.Duration `yaml:"ttl,omitempty"`
}

// GeoIP is a static client network to country table.
type GeoIP struct {
	Networks []GeoIPNetwork `yaml:"networks,omitempty"`
}

// GeoIPNetwork maps a CIDR to an ISO 3166 country code.
type GeoIPNetwork struct {
	CIDR    string `yaml:"cidr"`
	Country string `yaml:"country"`
}

const (
	defaultPushTempTagExpiration   = time.Hour
	defaultMaximumLayerSize        = 20 * 1024 * 1024 * 1024
	defaultPaginationSize          = 50
	maxPaginationSize              = 100
	defaultLibraryNamespace        = "library"
	defaultTokenLifetime           = time.Hour
	defaultBlobMountTempExpiration = 5 * time.Minute
	defaultStaleUploadWindow       = 2 * 24 * time.Hour
	defaultCacheTTL                = 60 * time.Second
	defaultDrainTimeout            = 30 * time.Second
)

// Version is a major/minor version pair of the form Major.Minor
// Major version upgrades indicate structure or type changes
// Minor version upgrades should be strictly additive
type Version string

// MajorMinorVersion constructs a Version from its Major and Minor components
func MajorMinorVersion(major, minor uint) Version {
	return Version(fmt.Sprintf("%d.%d", major, minor))
}

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which registry operations are logged.
type Loglevel string

const (
	LogLevelError Loglevel = "error"
	LogLevelWarn  Loglevel = "warn"
	LogLevelInfo  Loglevel = "info"
	LogLevelDebug Loglevel = "debug"
	LogLevelTrace Loglevel = "trace"
)

var logLevels = []Loglevel{
	LogLevelError,
	LogLevelWarn,
	LogLevelInfo,
	LogLevelDebug,
	LogLevelTrace,
}

func (l Loglevel) String() string { return string(l) }

func (l Loglevel) isValid() bool {
	for _, lvl := range logLevels {
		if l == lvl {
			return true
		}
	}
	return false
}

type logFormat string

const (
	LogFormatText logFormat = "text"
	LogFormatJSON logFormat = "json"
)

var logFormats = []logFormat{
	LogFormatText,
	LogFormatJSON,
}

func (f logFormat) String() string { return string(f) }

func (f logFormat) isValid() bool {
	for _, lf := range logFormats {
		if f == lf {
			return true
		}
	}
	return false
}

var storageDrivers = []string{"filesystem", "inmemory", "s3"}

// Parse parses an input configuration yaml document into a Configuration struct. Environment variables of the
// form REGISTRY_<SECTION>_<FIELD> override the values found in the document.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := ioutil.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := new(Configuration)
	if err := yaml.Unmarshal(in, config); err != nil {
		return nil, err
	}
	if config.Version == "" {
		return nil, errors.New("configuration version not specified")
	}
	if config.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported configuration version %q", config.Version)
	}

	if err := overwriteFromEnv(config, "REGISTRY"); err != nil {
		return nil, err
	}

	applyDefaults(config)

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func applyDefaults(config *Configuration) {
	if config.Log.Level == "" {
		config.Log.Level = LogLevelInfo
	}
	if config.Log.Formatter == "" {
		config.Log.Formatter = LogFormatText
	}
	if config.HTTP.DrainTimeout == 0 {
		config.HTTP.DrainTimeout = defaultDrainTimeout
	}
	if config.HTTP.Debug.Prometheus.Path == "" {
		config.HTTP.Debug.Prometheus.Path = "/metrics"
	}

	r := &config.Registry
	if r.PushTempTagExpiration == 0 {
		r.PushTempTagExpiration = defaultPushTempTagExpiration
	}
	if r.MaximumLayerSize == 0 {
		r.MaximumLayerSize = defaultMaximumLayerSize
	}
	if r.PaginationSize == 0 {
		r.PaginationSize = defaultPaginationSize
	}
	if r.LibraryNamespace == "" {
		r.LibraryNamespace = defaultLibraryNamespace
	}
	if r.BlobMountTempExpiration == 0 {
		r.BlobMountTempExpiration = defaultBlobMountTempExpiration
	}
	if r.StaleUploadWindow == 0 {
		r.StaleUploadWindow = defaultStaleUploadWindow
	}

	if config.Auth.TokenLifetime == 0 {
		config.Auth.TokenLifetime = defaultTokenLifetime
	}
	if config.Auth.Service == "" {
		config.Auth.Service = hostOf(config.HTTP.Host)
	}
	if config.Auth.Issuer == "" {
		config.Auth.Issuer = config.Auth.Service
	}
	if config.Auth.Realm == "" && config.HTTP.Host != "" {
		config.Auth.Realm = strings.TrimSuffix(config.HTTP.Host, "/") + "/v2/auth"
	}

	if config.Cache.Driver == "" {
		config.Cache.Driver = "memory"
	}
	if config.Cache.TTL == 0 {
		config.Cache.TTL = defaultCacheTTL
	}
}

func hostOf(u string) string {
	u = strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[:i]
	}
	return u
}

func validate(config *Configuration) error {
	if !config.Log.Level.isValid() {
		return fmt.Errorf("invalid log level %q, must be one of %q", config.Log.Level, logLevels)
	}
	if !config.Log.Formatter.isValid() {
		return fmt.Errorf("invalid log formatter %q, must be one of %q", config.Log.Formatter, logFormats)
	}

	if len(config.Storage.Locations) == 0 {
		return errors.New("no storage locations configured")
	}
	seen := make(map[string]struct{}, len(config.Storage.Locations))
	for _, l := range config.Storage.Locations {
		if l.Name == "" {
			return errors.New("storage location name must not be empty")
		}
		if _, ok := seen[l.Name]; ok {
			return fmt.Errorf("duplicate storage location %q", l.Name)
		}
		seen[l.Name] = struct{}{}
		if !isKnownDriver(l.Driver) {
			return fmt.Errorf("invalid storage driver %q for location %q, must be one of %q", l.Driver, l.Name, storageDrivers)
		}
	}
	if _, ok := seen[config.Storage.PreferredLocation()]; !ok {
		return fmt.Errorf("preferred storage location %q is not configured", config.Storage.Preferred)
	}

	if config.Registry.PaginationSize < 1 || config.Registry.PaginationSize > maxPaginationSize {
		return fmt.Errorf("registry pagination size must be between 1 and %d, got %d", maxPaginationSize, config.Registry.PaginationSize)
	}
	if config.Registry.MaximumLayerSize < 0 {
		return fmt.Errorf("registry maximum layer size must be positive, got %d", config.Registry.MaximumLayerSize)
	}
	if config.Auth.TokenLifetime < 0 {
		return fmt.Errorf("auth token lifetime must be positive, got %s", config.Auth.TokenLifetime)
	}

	switch config.Cache.Driver {
	case "memory":
	case "redis":
		if config.Redis.Addr == "" {
			return errors.New("redis cache driver requires redis.addr")
		}
	default:
		return fmt.Errorf("invalid cache driver %q, must be one of [\"memory\" \"redis\"]", config.Cache.Driver)
	}

	for _, n := range config.GeoIP.Networks {
		if _, _, err := net.ParseCIDR(n.CIDR); err != nil {
			return fmt.Errorf("invalid geoip network %q: %w", n.CIDR, err)
		}
	}

	return nil
}

func isKnownDriver(name string) bool {
	for _, d := range storageDrivers {
		if d == name {
			return true
		}
	}
	return false
}
