package model

import (
	"errors"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrStartFailed     = errors.New("service start failed")
	ErrUnknownMetric   = errors.New("unknown metric kind")

	// ErrHungRequest is returned when a worker does not answer a request
	// within the configured invoke timeout.
	ErrHungRequest = errors.New("worker did not reply in time")
	// ErrWorkerExited fails every request still outstanding when a worker
	// process goes away.
	ErrWorkerExited = errors.New("worker exited")
	ErrHandleClosed = errors.New("handle closed")
)
