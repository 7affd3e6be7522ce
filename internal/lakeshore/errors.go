package lakeshore

import "errors"

// Sentinel errors for instrument operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConfig is returned when an instrument configuration file is missing,
	// malformed or violates a constraint. The previous configuration stays active.
	ErrConfig = errors.New("lakeshore: invalid configuration")

	// ErrDeviceUnavailable is returned when the link cannot be opened or an
	// I/O operation on it fails. The session is faulted until reconnected.
	ErrDeviceUnavailable = errors.New("lakeshore: device unavailable")

	// ErrDeviceProtocol is returned when the controller answers with something
	// that cannot be parsed or does not match what was written.
	ErrDeviceProtocol = errors.New("lakeshore: unexpected device response")

	// ErrInvalidArgument is returned when an operator request violates the
	// configured limits. Nothing is sent to the device.
	ErrInvalidArgument = errors.New("lakeshore: invalid argument")
)
