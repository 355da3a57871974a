package factory

import (
	"fmt"
	"sort"
	"sync"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
)

var (
	mu              sync.RWMutex
	driverFactories = make(map[string]StorageDriverFactory)
)

// StorageDriverFactory is a factory interface for creating storagedriver.StorageDriver interfaces. Storage drivers
// should call Register() with a factory to make the driver available by name.
type StorageDriverFactory interface {
	// Create returns a new storagedriver.StorageDriver with the given parameters. Parameters will vary by driver
	// and may be ignored. Each parameter key must only consist of lowercase letters and numbers.
	Create(parameters map[string]interface{}) (storagedriver.StorageDriver, error)
}

// Register makes a storage driver available by the provided name. If Register is called twice with the same name
// or if driver factory is nil, it panics.
func Register(name string, factory StorageDriverFactory) {
	mu.Lock()
	defer mu.Unlock()

	if factory == nil {
		panic("Must not provide nil StorageDriverFactory")
	}
	if _, registered := driverFactories[name]; registered {
		panic(fmt.Sprintf("StorageDriverFactory named %s already registered", name))
	}

	driverFactories[name] = factory
}

// Create a new storagedriver.StorageDriver with the given name and parameters. To use a driver, the
// StorageDriverFactory must first be registered with the given name.
func Create(name string, parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	mu.RLock()
	driverFactory, ok := driverFactories[name]
	mu.RUnlock()
	if !ok {
		return nil, InvalidStorageDriverError{Name: name, Known: names()}
	}
	return driverFactory.Create(parameters)
}

func names() []string {
	mu.RLock()
	defer mu.RUnlock()

	nn := make([]string, 0, len(driverFactories))
	for n := range driverFactories {
		nn = append(nn, n)
	}
	sort.Strings(nn)
	return nn
}

// InvalidStorageDriverError records an attempt to construct an unregistered storage driver.
type InvalidStorageDriverError struct {
	Name  string
	Known []string
}

func (err InvalidStorageDriverError) Error() string {
	return fmt.Sprintf("StorageDriver not registered: %s (registered: %q)", err.Name, err.Known)
}
