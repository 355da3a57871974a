package inmemory

import (
	"testing"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
	"github.com/quay/quay-sub006/registry/storage/driver/testsuites"
)

func TestInMemoryDriverSuite(t *testing.T) {
	testsuites.Run(t, func(t *testing.T) storagedriver.StorageDriver {
		return New()
	})
}
