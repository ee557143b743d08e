package store

import (
	"time"

	"github.com/google/uuid"
)

// StorageStatus tracks how far a tenant's namespace provisioning has gotten.
type StorageStatus string

const (
	StorageNotCreated StorageStatus = "not_created"
	StorageMinimal    StorageStatus = "minimal"
	StorageComplete   StorageStatus = "complete"
	StorageError      StorageStatus = "error"
)

// CanTransition reports whether a storage status change is legal.
// Forward-only (not_created -> minimal -> complete), any state may fall to
// error, and error recovers to minimal or complete by re-provisioning.
func (s StorageStatus) CanTransition(to StorageStatus) bool {
	if s == to {
		return true
	}
	if to == StorageError {
		return true
	}
	switch s {
	case StorageNotCreated:
		return to == StorageMinimal || to == StorageComplete
	case StorageMinimal:
		return to == StorageComplete
	case StorageComplete:
		return false
	case StorageError:
		return to == StorageMinimal || to == StorageComplete
	}
	return false
}

// TransitionSources lists every status allowed to move to target. Used to
// enforce the transition rule inside a single conditional UPDATE.
func TransitionSources(target StorageStatus) []StorageStatus {
	all := []StorageStatus{StorageNotCreated, StorageMinimal, StorageComplete, StorageError}
	var sources []StorageStatus
	for _, s := range all {
		if s.CanTransition(target) {
			sources = append(sources, s)
		}
	}
	return sources
}

func (s StorageStatus) Valid() bool {
	switch s {
	case StorageNotCreated, StorageMinimal, StorageComplete, StorageError:
		return true
	}
	return false
}

// Tenant is one customer account in the registry. This subsystem only ever
// updates the storage-status fields; rows are created at signup and deleted
// by business-level operations elsewhere.
type Tenant struct {
	ID            uuid.UUID
	Name          string
	OwnerUserID   string
	StorageStatus StorageStatus
	LastError     string
	LastCheckedAt *time.Time
	Active        bool
	CreatedAt     time.Time
}

