package bus

import "errors"

var (
	// ErrWorkersNotReady is returned by Run when a worker does not finish
	// Build within the ready timeout.
	ErrWorkersNotReady = errors.New("workers not ready")
	// ErrSyncTimeout is returned when a synchronous control packet is not
	// acknowledged in time.
	ErrSyncTimeout = errors.New("sync timeout")
	// ErrWorkerExited is returned once a worker process is observed dead.
	ErrWorkerExited = errors.New("worker exited")
	// ErrNotBuilt is returned by operations that need Build first.
	ErrNotBuilt = errors.New("stream not built")
	// ErrNoWorkers is returned when a stream is started without simulators.
	ErrNoWorkers = errors.New("no simulators bound")
)
