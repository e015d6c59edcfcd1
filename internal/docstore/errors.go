package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrConnectivity marks a transient store failure that survived the local
// retry budget. Callers may retry the whole operation later.
var ErrConnectivity = errors.New("store connectivity")

type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("store %s: %v (retry budget exhausted)", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return ErrConnectivity
}

func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// isBusyError reports whether the error is a transient lock/contention
// failure worth retrying. Caller timeouts are treated the same way.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
