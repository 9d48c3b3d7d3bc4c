package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Drivers returns the registered drivers in registration order.
// Client code imports specific driver packages for their side
// effects; drivers that do not register themselves on init are
// not considered for selection.
func Drivers() []Driver {
	mu.Lock()
	defer mu.Unlock()
	drv := make([]Driver, len(drivers))
	copy(drv, drivers)
	return drv
}

// Register registers a Driver.
// Driver implementations are expected to call Register
// exactly once, from an init function.
// If a driver with the same name has already been
// registered, it is replaced by drv.
func Register(drv Driver) {
	mu.Lock()
	defer mu.Unlock()
	for i := range drivers {
		if drivers[i].Name() == drv.Name() {
			drivers[i] = drv
			Logger().Warn("driver replaced", "driver", drv.Name())
			return
		}
	}
	drivers = append(drivers, drv)
	Logger().Debug("driver registered", "driver", drv.Name())
}

// Lookup returns the registered driver called name.
func Lookup(name string) (Driver, error) {
	mu.Lock()
	defer mu.Unlock()
	for _, d := range drivers {
		if d.Name() == name {
			return d, nil
		}
	}
	return nil, errors.Newf("gpu: driver %q is not registered", name)
}

var (
	mu      sync.Mutex
	drivers = make([]Driver, 0, 2)
)
