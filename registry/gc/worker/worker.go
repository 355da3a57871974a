//go:generate mockgen -package mocks -destination mocks/worker.go . Worker
//go:generate mockgen -package mocks -destination mocks/collector.go . RepositoryCollector,UploadSweeper,UploadPurger
//go:generate mockgen -package mocks -destination mocks/replication.go . ReplicationQueue,BlobTransferer

package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/sirupsen/logrus"
)

const (
	componentKey     = "component"
	defaultTxTimeout = 10 * time.Second
)

// for test purposes (mocking)
var timeNow = time.Now

// Worker represents a background worker driven by the agent. Each run consumes at most one unit of work from the
// worker's queue.
type Worker interface {
	Name() string
	QueueName() string
	QueueSize(context.Context) (int, error)
	Run(context.Context) (bool, error)
}

// RepositoryCollector reclaims unreachable content of a repository and purges repositories marked for deletion.
type RepositoryCollector interface {
	GarbageCollectRepository(ctx context.Context, repo *models.Repository) (bool, error)
	PurgeRepository(ctx context.Context, repo *models.Repository) (bool, error)
}

type baseWorker struct {
	name      string
	queueName string
	db        datastore.Handler
	logger    dcontext.Logger
	txTimeout time.Duration
}

// Name implements Worker.
func (w *baseWorker) Name() string {
	return w.name
}

// QueueName implements Worker.
func (w *baseWorker) QueueName() string {
	return w.queueName
}

func (w *baseWorker) applyDefaults() {
	if w.logger == nil {
		defaultLogger := logrus.New()
		defaultLogger.SetOutput(io.Discard)
		w.logger = defaultLogger
	}
	if w.txTimeout == 0 {
		w.txTimeout = defaultTxTimeout
	}
}

type processor interface {
	processTask(context.Context) (bool, error)
}

func (w *baseWorker) run(ctx context.Context, p processor) (bool, error) {
	ctx = injectCorrelationID(ctx, w.logger)
	log := dcontext.GetLogger(ctx)

	start := time.Now()
	log.Info("running worker")
	defer func() {
		log.WithField("duration_s", time.Since(start).Seconds()).Info("run complete")
	}()

	found, err := p.processTask(ctx)
	if err != nil {
		err = fmt.Errorf("processing task: %w", err)
		w.logErr(ctx, err)
		return found, err
	}

	return found, nil
}

func (w *baseWorker) logErr(ctx context.Context, err error) {
	dcontext.GetLogger(ctx).WithError(err).Error(err.Error())
}

// withReadTx runs fn in a transaction that is rolled back unless fn succeeds and is bound to the worker's
// transaction timeout.
func (w *baseWorker) withReadTx(ctx context.Context, fn func(ctx context.Context, tx datastore.Transactor) error) error {
	ctx, cancel := context.WithDeadline(ctx, timeNow().Add(w.txTimeout))
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creating database transaction: %w", err)
	}
	defer w.rollbackOnExit(ctx, tx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing database transaction: %w", err)
	}

	return nil
}

func (w *baseWorker) rollbackOnExit(ctx context.Context, tx datastore.Transactor) {
	rollback := func() {
		// sql.ErrTxDone means the transaction was already committed or rolled back
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			w.logErr(ctx, fmt.Errorf("rolling back database transaction: %w", err))
		}
	}
	// on panic rollback straight away and re-panic
	if err := recover(); err != nil {
		rollback()
		panic(err)
	}
	rollback()
}

func injectCorrelationID(ctx context.Context, logger dcontext.Logger) context.Context {
	id := uuid.NewString()
	ctx = dcontext.WithValues(ctx, map[string]interface{}{"correlation_id": id})

	log := logger.WithField("correlation_id", id)
	return dcontext.WithLogger(ctx, log)
}
