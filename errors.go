package picopad

import "errors"

var (
	// ErrConfiguration is returned for a bad intensity, bin layout or settings file.
	// Callers recover by substituting defaults.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidTransition is returned when an event asks for a transition the
	// table does not define. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrEmission is returned when a dummy request could not be transmitted
	ErrEmission = errors.New("dummy emission failed")

	// ErrSamplerNotReady is returned when a delay is requested before any
	// histograms have been built
	ErrSamplerNotReady = errors.New("sampler not initialized")

	// ErrStore is returned when metrics persistence fails
	ErrStore = errors.New("store operation failed")

	// ErrMachineClosed is returned by Run on a machine that already ran or was closed
	ErrMachineClosed = errors.New("padding machine already started or closed")

	// ErrNoSession is returned when no tunnel session is available for emission
	ErrNoSession = errors.New("no active tunnel session")
)
