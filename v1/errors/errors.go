package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrStoreUnavailable wraps transport level failures talking to the store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTxAborted is returned when a watched key changed before EXEC.
	ErrTxAborted = errors.New("transaction aborted")
	// ErrHandlerFailed marks a cleanup handler or row fetcher failure.
	ErrHandlerFailed = errors.New("handler failed")
)
