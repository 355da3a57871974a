package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrSkipDir is used as a return value from a WalkFn to indicate that the directory named in the call is to be
// skipped. It is not returned as an error by any function.
var ErrSkipDir = errors.New("skip this directory")

// WalkFn is called once per file by Walk.
type WalkFn func(fileInfo FileInfo) error

// WalkFallback traverses a filesystem defined within driver, starting from the given path, calling f on each
// file. It uses the List and Stat methods to drive itself. If f returns ErrSkipDir for a directory, the directory
// is not entered. If f returns ErrSkipDir for a file, processing stops.
func WalkFallback(ctx context.Context, driver StorageDriver, from string, f WalkFn) error {
	children, err := driver.List(ctx, from)
	if err != nil {
		return err
	}
	sort.Stable(sort.StringSlice(children))

	for _, child := range children {
		fileInfo, err := driver.Stat(ctx, child)
		if err != nil {
			if IsPathNotFound(err) {
				// removed in between listing and enumeration
				logrus.WithField("path", child).Info("ignoring deleted path")
				continue
			}
			return err
		}

		err = f(fileInfo)
		switch {
		case err == nil && fileInfo.IsDir():
			if err := WalkFallback(ctx, driver, child, f); err != nil {
				return err
			}
		case errors.Is(err, ErrSkipDir):
			if !fileInfo.IsDir() {
				return nil
			}
		case err != nil:
			return err
		}
	}
	return nil
}

// WalkFallbackParallel is similar to WalkFallback, but processes files and directories in their own goroutines.
// The first error stops new work from being scheduled, and every error encountered is reported.
func WalkFallbackParallel(ctx context.Context, driver StorageDriver, from string, f WalkFn) error {
	var retErr error
	errCh := make(chan error)
	quit := make(chan struct{})
	errDone := make(chan struct{})

	go func() {
		first := true
		for err := range errCh {
			if first {
				close(quit)
				retErr = err
				first = false
				continue
			}
			retErr = fmt.Errorf("%v\n%w", err, retErr)
		}
		close(errDone)
	}()

	var wg sync.WaitGroup
	doWalkParallel(ctx, driver, &wg, quit, errCh, from, f)
	wg.Wait()
	close(errCh)
	<-errDone

	return retErr
}

func doWalkParallel(ctx context.Context, driver StorageDriver, wg *sync.WaitGroup, quit <-chan struct{}, errCh chan<- error, from string, f WalkFn) {
	select {
	case <-quit:
		return
	default:
	}

	children, err := driver.List(ctx, from)
	if err != nil {
		errCh <- err
		return
	}

	for _, child := range children {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()

			fileInfo, err := driver.Stat(ctx, c)
			if err != nil {
				if IsPathNotFound(err) {
					logrus.WithField("path", c).Info("ignoring deleted path")
					return
				}
				errCh <- err
				return
			}

			err = f(fileInfo)
			if err == nil && fileInfo.IsDir() {
				doWalkParallel(ctx, driver, wg, quit, errCh, c, f)
				return
			}
			if err != nil && !(errors.Is(err, ErrSkipDir) && fileInfo.IsDir()) {
				errCh <- err
			}
		}(child)
	}
}
