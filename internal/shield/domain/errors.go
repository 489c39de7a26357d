package domain

import "errors"

// Error taxonomy shared by the sync manager, engines and interceptor.
// None of these is ever surfaced as a page-load failure: the worst case is a
// single engine that stops blocking until it recovers.
var (
	// ErrNetworkFailure marks a failed download or freshness check. The sync
	// manager retries it forever at a fixed interval.
	ErrNetworkFailure = errors.New("network failure")

	// ErrCorruptData marks a blob an engine could not load. The blob is deleted
	// and a fresh download is forced.
	ErrCorruptData = errors.New("corrupt rule data")

	// ErrNoDataYet marks an engine that has never loaded data; it fails open.
	ErrNoDataYet = errors.New("no rule data loaded yet")
)
