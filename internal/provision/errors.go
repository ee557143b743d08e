package provision

import "errors"

var (
	// ErrNamespaceCreationFailed wraps infrastructure failures while creating
	// a tenant namespace. Compensating cleanup has already been attempted by
	// the time a caller sees this.
	ErrNamespaceCreationFailed = errors.New("namespace creation failed")

	// ErrProvisioningTimeout wraps statement or lock-wait timeouts. Transient;
	// never retried inline by this subsystem.
	ErrProvisioningTimeout = errors.New("provisioning timed out")
)
