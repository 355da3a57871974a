package registry

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/docker/libtrust"
	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/configuration"
	"github.com/quay/quay-sub006/migrations"
	dbmock "github.com/quay/quay-sub006/registry/datastore/mocks"
	"github.com/quay/quay-sub006/registry/gc/worker/mocks"
	"github.com/quay/quay-sub006/registry/handlers"
)

const testConfig = `version: 0.1
log:
  level: info
  accesslog:
    disabled: true
http:
  host: https://quay.example.com
  draintimeout: 10s
storage:
  locations:
    - name: local_us
      driver: inmemory
gc:
  disabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0600))
	return path
}

func testConfiguration(t *testing.T) *configuration.Configuration {
	t.Helper()

	config, err := resolveConfiguration([]string{writeConfig(t, testConfig)})
	require.NoError(t, err)
	return config
}

func setupRegistry(t *testing.T, mutate func(*configuration.Configuration)) *Registry {
	t.Helper()

	config := testConfiguration(t)
	// probe free port where the server can listen
	ln, err := net.Listen("tcp", ":")
	require.NoError(t, err)
	config.HTTP.Addr = ln.Addr().String()
	require.NoError(t, ln.Close())
	if mutate != nil {
		mutate(config)
	}

	key, err := libtrust.GenerateECP256PrivateKey()
	require.NoError(t, err)

	db := dbmock.NewMockHandler(gomock.NewController(t))
	db.EXPECT().Close().Return(nil).AnyTimes()

	registry, err := newRegistry(context.Background(), config, db, nil, handlers.WithSigningKey(key))
	require.NoError(t, err)
	return registry
}

func TestGracefulShutdown(t *testing.T) {
	var tests = []struct {
		name                string
		cleanServerShutdown bool
		httpDrainTimeout    time.Duration
	}{
		{
			name:                "http draintimeout greater than 0 runs server.Shutdown",
			cleanServerShutdown: true,
			httpDrainTimeout:    10 * time.Second,
		},
		{
			name:                "http draintimeout 0 or less does not run server.Shutdown",
			cleanServerShutdown: false,
			httpDrainTimeout:    0 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := setupRegistry(t, func(config *configuration.Configuration) {
				config.HTTP.DrainTimeout = tt.httpDrainTimeout
			})

			// Register on shutdown function to detect if server.Shutdown() was ran.
			shutdown := make(chan struct{}, 1)
			registry.server.RegisterOnShutdown(func() {
				shutdown <- struct{}{}
			})

			errchan := make(chan error, 1)
			go func() {
				errchan <- registry.ListenAndServe()
			}()

			// Wait for some unknown random time for server to start listening
			time.Sleep(time.Second)

			// Any signal sent on this channel triggers the shutdown.
			quit <- syscall.SIGTERM

			select {
			case err := <-errchan:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("registry did not stop")
			}

			select {
			case <-shutdown:
				require.True(t, tt.cleanServerShutdown, "unexpected clean shutdown")
			case <-time.After(100 * time.Millisecond):
				require.False(t, tt.cleanServerShutdown, "expected clean shutdown")
			}
		})
	}
}

func TestGracefulShutdown_HTTPDrainTimeout(t *testing.T) {
	registry := setupRegistry(t, nil)

	go registry.ListenAndServe()

	// Wait for some unknown random time for server to start listening
	time.Sleep(time.Second)

	// send incomplete request
	conn, err := net.Dial("tcp", registry.config.HTTP.Addr)
	require.NoError(t, err)
	defer conn.Close()
	fmt.Fprintf(conn, "GET / ")

	// send stop signal
	quit <- os.Interrupt
	time.Sleep(100 * time.Millisecond)

	// try connecting again. it shouldn't
	_, err = net.Dial("tcp", registry.config.HTTP.Addr)
	require.Error(t, err, "managed to connect after stopping")

	// make sure earlier request is not disconnected and response can be received
	fmt.Fprintf(conn, "HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
}

func TestNewRegistry_Tasks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*configuration.Configuration)
		want   []string
	}{
		{
			name: "gc disabled",
			want: []string{"cache-sweeper"},
		},
		{
			name: "gc enabled",
			mutate: func(c *configuration.Configuration) {
				c.GC.Disabled = false
			},
			want: []string{"cache-sweeper", "registry.gc.worker.GarbageWorker", "registry.gc.worker.PurgeWorker", "registry.gc.worker.UploadWorker"},
		},
		{
			name: "gc workers disabled",
			mutate: func(c *configuration.Configuration) {
				c.GC.Disabled = false
				c.GC.Workers.Garbage.Disabled = true
				c.GC.Workers.Uploads.Disabled = true
			},
			want: []string{"cache-sweeper", "registry.gc.worker.PurgeWorker"},
		},
		{
			name: "quota",
			mutate: func(c *configuration.Configuration) {
				c.Features.QuotaManagement = true
				c.Quota.RegistrySizeInterval = time.Minute
			},
			want: []string{"cache-sweeper", "registry.quota.BackfillWorker", "registry.quota.RegistrySizeWorker"},
		},
		{
			name: "replication without queue",
			mutate: func(c *configuration.Configuration) {
				c.Features.StorageReplication = true
			},
			want: []string{"cache-sweeper"},
		},
		{
			name: "read only",
			mutate: func(c *configuration.Configuration) {
				c.GC.Disabled = false
				c.Features.QuotaManagement = true
				c.Registry.ReadOnly = true
			},
			want: []string{"cache-sweeper"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			registry := setupRegistry(t, test.mutate)

			var names []string
			for _, task := range registry.tasks {
				names = append(names, task.name)
			}
			require.Equal(t, test.want, names)
		})
	}
}

func TestNewRegistry_RedisQueue(t *testing.T) {
	registry := setupRegistry(t, func(c *configuration.Configuration) {
		c.Redis.Addr = "127.0.0.1:0"
		c.Cache.Driver = "redis"
		c.Features.StorageReplication = true
	})

	// the redis cache needs no sweeper, the client is released on shutdown
	require.Len(t, registry.tasks, 1)
	require.Equal(t, "registry.gc.worker.ReplicationWorker", registry.tasks[0].name)
	require.Len(t, registry.closers, 1)
}

func TestResolveConfiguration(t *testing.T) {
	path := writeConfig(t, testConfig)

	config, err := resolveConfiguration([]string{path})
	require.NoError(t, err)
	require.Equal(t, "quay.example.com", config.Auth.Service)
	require.Equal(t, "https://quay.example.com/v2/auth", config.Auth.Realm)
	require.Equal(t, 10*time.Second, config.HTTP.DrainTimeout)

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("REGISTRY_CONFIGURATION_PATH", path)

		config, err := resolveConfiguration(nil)
		require.NoError(t, err)
		require.Equal(t, "local_us", config.Storage.PreferredLocation())
	})

	t.Run("unspecified", func(t *testing.T) {
		t.Setenv("REGISTRY_CONFIGURATION_PATH", "")

		_, err := resolveConfiguration(nil)
		require.EqualError(t, err, "configuration path unspecified")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := resolveConfiguration([]string{filepath.Join(t.TempDir(), "nope.yml")})
		require.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := resolveConfiguration([]string{writeConfig(t, "version: 0.2\n")})
		require.Error(t, err)
		require.Contains(t, err.Error(), "parsing ")
	})
}

func TestConfigureLogging(t *testing.T) {
	defer func(l logrus.Level, f logrus.Formatter) {
		logrus.SetLevel(l)
		logrus.SetFormatter(f)
	}(logrus.GetLevel(), logrus.StandardLogger().Formatter)

	config := testConfiguration(t)
	config.Log.Level = configuration.LogLevelDebug
	config.Log.Formatter = configuration.LogFormatJSON
	config.Log.Fields = map[string]interface{}{"environment": "staging"}

	ctx, err := configureLogging(context.Background(), config)
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	require.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
	require.Equal(t, "staging", ctx.Value("environment"))

	config.Log.Level = "verbose"
	_, err = configureLogging(context.Background(), config)
	require.Error(t, err)
}

type unreachableDB struct {
	*dbmock.MockHandler
}

func (unreachableDB) PingContext(context.Context) error {
	return errors.New("connection refused")
}

func TestDebugServer(t *testing.T) {
	config := testConfiguration(t)
	require.Nil(t, configureDebugServer(config, nil))

	config.HTTP.Debug.Addr = "127.0.0.1:5001"
	db := dbmock.NewMockHandler(gomock.NewController(t))

	get := func(s *http.Server, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	s := configureDebugServer(config, db)
	require.Equal(t, "127.0.0.1:5001", s.Addr)
	w := get(s, "/debug/health")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "{}", w.Body.String())
	require.Equal(t, http.StatusNotFound, get(s, "/metrics").Code)

	s = configureDebugServer(config, unreachableDB{db})
	w = get(s, "/debug/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.JSONEq(t, `{"database":"connection refused"}`, w.Body.String())

	config.HTTP.Debug.Prometheus.Enabled = true
	s = configureDebugServer(config, db)
	require.Equal(t, http.StatusOK, get(s, config.HTTP.Debug.Prometheus.Path).Code)
}

func TestAlive(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := alive("/", next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v2/", nil))
	require.Equal(t, http.StatusTeapot, w.Code)
}

func TestPanicHandler(t *testing.T) {
	h := panicHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	require.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v2/", nil))
	})
}

func TestDrain(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	w := mocks.NewMockWorker(ctrl)
	gomock.InOrder(
		w.EXPECT().Run(ctx).Return(true, nil).Times(2),
		w.EXPECT().Run(ctx).Return(false, nil),
	)
	n, err := drain(ctx, w, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	w = mocks.NewMockWorker(ctrl)
	w.EXPECT().Run(ctx).Return(true, nil).Times(3)
	n, err = drain(ctx, w, 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	w = mocks.NewMockWorker(ctrl)
	w.EXPECT().Run(ctx).Return(false, errors.New("boom"))
	w.EXPECT().Name().Return("registry.gc.worker.GarbageWorker")
	_, err = drain(ctx, w, 0)
	require.EqualError(t, err, "registry.gc.worker.GarbageWorker: boom")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	n, err = drain(cancelled, mocks.NewMockWorker(ctrl), 0)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, n)
}

func TestGCWorkersFromFlags(t *testing.T) {
	config := testConfiguration(t)
	db := dbmock.NewMockHandler(gomock.NewController(t))

	ww, err := gcWorkersFromFlags(config, db, nil, []string{gcGarbage, " purge", gcUploads})
	require.NoError(t, err)
	require.Len(t, ww, 3)
	require.Equal(t, "registry.gc.worker.GarbageWorker", ww[0].Name())
	require.Equal(t, "registry.gc.worker.PurgeWorker", ww[1].Name())

	_, err = gcWorkersFromFlags(config, db, nil, []string{"labels"})
	require.EqualError(t, err, `unknown worker "labels"`)
}

func TestPrintMigrationStatus(t *testing.T) {
	var buf bytes.Buffer
	printMigrationStatus(&buf, map[string]*migrations.MigrationStatus{
		"20231010120000_create_namespaces": {AppliedAt: "2023-10-10 12:00:00 +0000 UTC"},
		"20231010120100_create_tags":       {},
		"20220101000000_dropped":           {AppliedAt: "2022-01-01 00:00:00 +0000 UTC", Unknown: true},
	})

	require.Equal(t, `Migration                         Applied
20220101000000_dropped (unknown)  2022-01-01 00:00:00 +0000 UTC
20231010120000_create_namespaces  2023-10-10 12:00:00 +0000 UTC
20231010120100_create_tags        -
`, buf.String())
}
