package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/quay/quay-sub006/configuration"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/migrations"
	"github.com/quay/quay-sub006/registry/blobs"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/gc/worker"
	"github.com/quay/quay-sub006/registry/quota"
	"github.com/quay/quay-sub006/registry/storage"
	"github.com/quay/quay-sub006/version"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(GCCmd)
	RootCmd.AddCommand(QuotaCmd)
	RootCmd.AddCommand(DBCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	GCCmd.Flags().StringSliceVarP(&gcWorkers, "workers", "w", []string{gcGarbage, gcPurge, gcUploads}, "workers to run, any of garbage, purge and uploads")
	GCCmd.Flags().IntVarP(&maxRuns, "max-runs", "n", 0, "maximum number of tasks each worker processes, 0 means until no work is left")
	GCCmd.Flags().StringVarP(&debugAddr, "debug-server", "s", "", "run a pprof and metrics debug server at <address:port>")

	QuotaCmd.AddCommand(BackfillCmd)
	QuotaCmd.AddCommand(RegistrySizeCmd)
	BackfillCmd.Flags().IntVarP(&maxRuns, "max-runs", "n", 0, "maximum number of namespaces to backfill, 0 means all")
	BackfillCmd.Flags().DurationVar(&staleClaim, "stale-claim", time.Hour, "age after which a claimed backfill is taken over")

	DBCmd.AddCommand(MigrateCmd)
	MigrateCmd.AddCommand(MigrateUpCmd)
	MigrateCmd.AddCommand(MigrateDownCmd)
	MigrateCmd.AddCommand(MigrateVersionCmd)
	MigrateCmd.AddCommand(MigrateStatusCmd)
	MigrateUpCmd.Flags().IntVarP(&maxNumMigrations, "limit", "n", 0, "limit the number of migrations (all by default)")
	MigrateUpCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateUpCmd.Flags().BoolVarP(&skipPostDeployment, "skip-post-deployment", "s", false, "do not apply post deployment migrations")
	MigrateDownCmd.Flags().IntVarP(&maxNumMigrations, "limit", "n", 0, "limit the number of migrations (all by default)")
	MigrateDownCmd.Flags().BoolVarP(&force, "force", "f", false, "no confirmation message")
}

// RootCmd is the main command for the 'registry' binary.
var RootCmd = &cobra.Command{
	Use:   "registry",
	Short: "`registry`",
	Long:  "`registry`",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		cmd.Usage()
	},
}

const (
	gcGarbage = "garbage"
	gcPurge   = "purge"
	gcUploads = "uploads"
)

var (
	gcWorkers          []string
	maxRuns            int
	debugAddr          string
	staleClaim         time.Duration
	maxNumMigrations   int
	dryRun             bool
	skipPostDeployment bool
	force              bool
)

// fatal prints err to stderr and exits with a non-zero status.
func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// loadConfig resolves and parses the configuration named by args, printing the usage on failure.
func loadConfig(cmd *cobra.Command, args []string) *configuration.Configuration {
	config, err := resolveConfiguration(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		cmd.Usage()
		os.Exit(1)
	}
	return config
}

// commandContext returns a context with the configured logger, and a database connection.
func commandContext(config *configuration.Configuration) (context.Context, *datastore.DB) {
	ctx, err := configureLogging(dcontext.Background(), config)
	if err != nil {
		fatal("unable to configure logging with config: %v", err)
	}

	db, err := dbFromConfig(config)
	if err != nil {
		fatal("failed to construct database connection: %v", err)
	}
	return ctx, db
}

// drain runs w until it reports no more work, fails or processed max tasks. A max of 0 means no limit. The number
// of tasks processed is returned.
func drain(ctx context.Context, w worker.Worker, max int) (int, error) {
	var n int
	for max == 0 || n < max {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		found, err := w.Run(ctx)
		if err != nil {
			return n, fmt.Errorf("%s: %w", w.Name(), err)
		}
		if !found {
			break
		}
		n++
	}
	return n, nil
}

func gcWorkersFromFlags(config *configuration.Configuration, db datastore.Handler, store *storage.Store, names []string) ([]worker.Worker, error) {
	logger := dcontext.GetLogger(dcontext.Background())
	q := quota.NewEngine(db, quota.Config{
		Enabled:          config.Features.QuotaManagement,
		SuppressFailures: config.Features.QuotaSuppressFailures,
		InvalidateTotals: true,
	})
	collector := newCollector(config, db, store, q, nil, logger)

	var ww []worker.Worker
	for _, name := range names {
		switch strings.TrimSpace(name) {
		case gcGarbage:
			ww = append(ww, worker.NewGarbageWorker(db, collector, garbageWorkerOptions(config, logger)...))
		case gcPurge:
			ww = append(ww, worker.NewPurgeWorker(db, collector, purgeWorkerOptions(config, logger)...))
		case gcUploads:
			ww = append(ww, worker.NewUploadWorker(db, blobs.NewService(db, store, blobs.Config{}), store,
				worker.WithUploadLogger(logger),
				worker.WithUploadMaxAge(config.Registry.StaleUploadWindow),
			))
		default:
			return nil, fmt.Errorf("unknown worker %q", name)
		}
	}
	return ww, nil
}

// GCCmd is the cobra command that corresponds to the garbage-collect subcommand
var GCCmd = &cobra.Command{
	Use:   "garbage-collect <config>",
	Short: "`garbage-collect` deletes expired tags, unreferenced manifests and blobs",
	Long: "`garbage-collect` runs the online garbage collection workers until they find no more work. Expired " +
		"tags and the manifests and blobs only they referenced are deleted, repositories marked for deletion are " +
		"purged and stale uploads are cancelled.",
	Run: func(cmd *cobra.Command, args []string) {
		config := loadConfig(cmd, args)
		if config.Registry.ReadOnly {
			fatal("garbage collection is unavailable in read-only mode")
		}

		ctx, db := commandContext(config)
		defer db.Close()

		store, err := storage.FromConfig(config.Storage)
		if err != nil {
			fatal("failed to configure storage: %v", err)
		}

		ww, err := gcWorkersFromFlags(config, db, store, gcWorkers)
		if err != nil {
			fatal("%v", err)
		}

		if debugAddr != "" {
			go func() {
				http.Handle("/metrics", promhttp.Handler())
				dcontext.GetLoggerWithField(ctx, "address", debugAddr).Info("debug server listening")
				if err := http.ListenAndServe(debugAddr, nil); err != nil {
					dcontext.GetLoggerWithField(ctx, "error", err).Fatal("error listening on debug interface")
				}
			}()
		}

		for _, w := range ww {
			n, err := drain(ctx, w, maxRuns)
			if err != nil {
				fatal("failed to garbage collect: %v", err)
			}
			dcontext.GetLoggerWithField(ctx, "worker", w.Name()).WithField("tasks", n).Info("worker done")
		}
	},
}

// QuotaCmd is the root of the `quota` command.
var QuotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Manages namespace and repository storage totals",
	Long:  "Manages namespace and repository storage totals",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage()
	},
}

func quotaEngine(config *configuration.Configuration, db datastore.Handler) *quota.Engine {
	return quota.NewEngine(db, quota.Config{
		Enabled:          true,
		SuppressFailures: config.Features.QuotaSuppressFailures,
		InvalidateTotals: true,
	})
}

// BackfillCmd is the `backfill` sub-command of `quota` that computes missing namespace and repository totals.
var BackfillCmd = &cobra.Command{
	Use:   "backfill <config>",
	Short: "Compute missing or incomplete storage totals",
	Long:  "Compute missing or incomplete storage totals of namespaces and their repositories.",
	Run: func(cmd *cobra.Command, args []string) {
		config := loadConfig(cmd, args)
		ctx, db := commandContext(config)
		defer db.Close()

		w := quota.NewBackfillWorker(quotaEngine(config, db), quota.WithStaleClaim(staleClaim))
		n, err := drain(ctx, w, maxRuns)
		if err != nil {
			fatal("failed to backfill quota totals: %v", err)
		}
		fmt.Printf("backfilled %d namespaces\n", n)
	},
}

// RegistrySizeCmd is the `registry-size` sub-command of `quota` that recomputes the total registry size.
var RegistrySizeCmd = &cobra.Command{
	Use:   "registry-size <config>",
	Short: "Recompute the total registry size",
	Long:  "Recompute the total size of all blobs stored by the registry.",
	Run: func(cmd *cobra.Command, args []string) {
		config := loadConfig(cmd, args)
		ctx, db := commandContext(config)
		defer db.Close()

		e := quotaEngine(config, db)
		if _, already, err := e.QueueRegistrySize(ctx); err != nil {
			fatal("failed to queue registry size calculation: %v", err)
		} else if already {
			fmt.Println("a registry size calculation is already queued or running")
		}
		if _, err := drain(ctx, quota.NewRegistrySizeWorker(e), 1); err != nil {
			fatal("failed to calculate registry size: %v", err)
		}

		rs, err := e.RegistrySize(ctx)
		if err != nil {
			fatal("failed to read registry size: %v", err)
		}
		fmt.Printf("registry size: %d bytes\n", rs.SizeBytes)
	},
}

// DBCmd is the root of the `database` command.
var DBCmd = &cobra.Command{
	Use:   "database",
	Short: "Manages the registry metadata database",
	Long:  "Manages the registry metadata database",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage()
	},
}

// MigrateCmd is the `migrate` sub-command of `database` that manages database migrations.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage migrations",
	Long:  "Manage migrations",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage()
	},
}

func migrator(cmd *cobra.Command, args []string, opts ...migrations.MigratorOption) (*migrations.Migrator, *datastore.DB) {
	config := loadConfig(cmd, args)
	_, db := commandContext(config)
	return migrations.NewMigrator(db.DB, opts...), db
}

// MigrateUpCmd is the `up` sub-command of `migrate` that applies pending migrations.
var MigrateUpCmd = &cobra.Command{
	Use:   "up <config>",
	Short: "Apply up migrations",
	Long:  "Apply up migrations",
	Run: func(cmd *cobra.Command, args []string) {
		if maxNumMigrations < 0 {
			fatal("limit must be greater than or equal to 0")
		}

		var opts []migrations.MigratorOption
		if skipPostDeployment {
			opts = append(opts, migrations.SkipPostDeployment())
		}
		m, db := migrator(cmd, args, opts...)
		defer db.Close()

		plan, err := m.UpNPlan(maxNumMigrations)
		if err != nil {
			fatal("failed to prepare Up plan: %v", err)
		}
		if len(plan) > 0 {
			fmt.Println(strings.Join(plan, "\n"))
		}

		if !dryRun {
			start := time.Now()
			n, err := m.UpN(maxNumMigrations)
			if err != nil {
				fatal("failed to run database migrations: %v", err)
			}
			fmt.Printf("OK: applied %d migrations in %.3fs\n", n, time.Since(start).Seconds())
		}
	},
}

// MigrateDownCmd is the `down` sub-command of `migrate` that reverts applied migrations.
var MigrateDownCmd = &cobra.Command{
	Use:   "down <config>",
	Short: "Apply down migrations",
	Long:  "Apply down migrations",
	Run: func(cmd *cobra.Command, args []string) {
		if maxNumMigrations < 0 {
			fatal("limit must be greater than or equal to 0")
		}

		m, db := migrator(cmd, args)
		defer db.Close()

		if !force {
			fmt.Print("Preparing to apply down migrations. Are you sure? [y/N] ")
			var response string
			if _, err := fmt.Scanln(&response); err != nil || !strings.EqualFold(response, "y") {
				fmt.Println("aborted")
				return
			}
		}

		n, err := m.DownN(maxNumMigrations)
		if err != nil {
			fatal("failed to run database migrations: %v", err)
		}
		fmt.Printf("OK: applied %d migrations\n", n)
	},
}

// MigrateVersionCmd is the `version` sub-command of `migrate` that shows the current migration version.
var MigrateVersionCmd = &cobra.Command{
	Use:   "version <config>",
	Short: "Show current migration version",
	Long:  "Show current migration version",
	Run: func(cmd *cobra.Command, args []string) {
		m, db := migrator(cmd, args)
		defer db.Close()

		v, err := m.Version()
		if err != nil {
			fatal("failed to detect database version: %v", err)
		}
		if v == "" {
			v = "Unknown"
		}
		fmt.Printf("%s\n", v)
	},
}

// MigrateStatusCmd is the `status` sub-command of `migrate` that shows the migration status.
var MigrateStatusCmd = &cobra.Command{
	Use:   "status <config>",
	Short: "Show migration status",
	Long:  "Show migration status",
	Run: func(cmd *cobra.Command, args []string) {
		m, db := migrator(cmd, args)
		defer db.Close()

		statuses, err := m.Status()
		if err != nil {
			fatal("failed to detect database status: %v", err)
		}
		printMigrationStatus(os.Stdout, statuses)
	},
}

func printMigrationStatus(w io.Writer, statuses map[string]*migrations.MigrationStatus) {
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Migration\tApplied")
	for _, id := range ids {
		s := statuses[id]
		applied := s.AppliedAt
		if applied == "" {
			applied = "-"
		}
		if s.Unknown {
			id += " (unknown)"
		}
		fmt.Fprintf(tw, "%s\t%s\n", id, applied)
	}
	tw.Flush()
}
