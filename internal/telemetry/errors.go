package telemetry

import "errors"

// ErrDatabase wraps every failure of the database writer.
// The monitor treats it like a device error and runs its recovery policy.
var ErrDatabase = errors.New("telemetry: database error")
