package transport

import "errors"

var (
	// ErrTransportUnavailable marks a send that found no reachable
	// peer. Absorbed inside the transport: the operation waits in the
	// pending queue and state converges through reconciliation.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrReconciliationFailed marks an anti-entropy round abandoned
	// mid-exchange. Harmless; the next tick retries from scratch.
	ErrReconciliationFailed = errors.New("reconciliation failed")
)
