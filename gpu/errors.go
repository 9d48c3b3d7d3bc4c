package gpu

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNoAdapter means that no adapter could create a device.
	ErrNoAdapter = errors.New("gpu: no suitable adapter found")

	// ErrUnsupportedFeatureLevel means the adapter cannot provide the
	// requested feature level.
	ErrUnsupportedFeatureLevel = errors.New("gpu: feature level not supported")

	// ErrNotMappable means Map was called on a default-residency resource.
	ErrNotMappable = errors.New("gpu: resource is not host visible")

	// ErrListClosed means a command was recorded into a closed list.
	ErrListClosed = errors.New("gpu: command list is closed")

	// ErrListNotClosed means an open command list was submitted or
	// reset before Close.
	ErrListNotClosed = errors.New("gpu: command list is not closed")

	// ErrAllocatorInFlight means a command allocator was reset while
	// lists recorded from it are still executing on the GPU.
	ErrAllocatorInFlight = errors.New("gpu: command allocator is in flight")

	// ErrDeviceRemoved means the device is lost and must be recreated.
	ErrDeviceRemoved = errors.New("gpu: device removed")

	// ErrInvalidArgument means a creation call was given a malformed
	// description.
	ErrInvalidArgument = errors.New("gpu: invalid argument")
)

// AllocationError is returned when the device rejects a committed
// resource for the requested heap/residency combination.
type AllocationError struct {
	Size      uint64
	Residency ResidencyClass
	Cause     error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("gpu: cannot allocate %d bytes in %s heap: %v", e.Size, e.Residency, e.Cause)
}

func (e *AllocationError) Unwrap() error { return e.Cause }

// PipelineBuildError is returned when a root signature or pipeline state
// cannot be created. Diagnostic holds the device's diagnostic text.
type PipelineBuildError struct {
	Object     string
	Diagnostic string
}

func (e *PipelineBuildError) Error() string {
	return fmt.Sprintf("gpu: cannot build %s: %s", e.Object, e.Diagnostic)
}

// NewPipelineBuildError builds a PipelineBuildError with a formatted diagnostic.
func NewPipelineBuildError(object, format string, args ...any) error {
	return errors.WithStack(&PipelineBuildError{Object: object, Diagnostic: fmt.Sprintf(format, args...)})
}
