package history

import "errors"

var (
	// ErrDisabled is returned by Connect when history is turned off in config.
	ErrDisabled = errors.New("history disabled")

	// ErrConnectionFailed wraps ping failures at connect time.
	ErrConnectionFailed = errors.New("influxdb connection failed")
)
