package domain

import "errors"

var (
	// ErrStoreUnavailable is returned when the sample store cannot be opened.
	ErrStoreUnavailable = errors.New("sample store unavailable")

	// ErrProbeStuck is returned when a probe does not exit within its stop deadline.
	ErrProbeStuck = errors.New("probe did not stop within deadline")

	// ErrOrchestratorClosed is returned by Start after Stop has released the store.
	ErrOrchestratorClosed = errors.New("orchestrator already stopped")

	// ErrUnknownModule is returned for module names outside AllModules.
	ErrUnknownModule = errors.New("unknown module")

	// ErrInvalidFilter is returned when a query filter names an unknown column or operator.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrNotRunning is returned when no live collector is registered.
	ErrNotRunning = errors.New("collector not running")
)
