package tenancy

import "errors"

var (
	// ErrInvalidTenantID marks a malformed tenant identifier. Fatal to the
	// current operation and never retried.
	ErrInvalidTenantID = errors.New("invalid tenant id")

	// ErrContextFailure means the session tenant binding could not be set and
	// verified. Always fatal to the current WithTenant call; the caller falls
	// back to the shared namespace.
	ErrContextFailure = errors.New("tenant context failure")
)
