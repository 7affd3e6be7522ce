package monitor

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while a sampling loop is active.
	ErrAlreadyRunning = errors.New("monitor: already running")

	// ErrNotRunning is returned by Stop when no sampling loop is active.
	ErrNotRunning = errors.New("monitor: not running")

	// ErrNotStopped is returned by Stop when the loop did not exit within
	// the stop timeout. The loop is left running.
	ErrNotStopped = errors.New("monitor: loop did not stop in time")

	// ErrReconnectFailed ends the loop after every recovery attempt failed.
	ErrReconnectFailed = errors.New("monitor: reconnect failed")
)
