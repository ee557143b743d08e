package store

import "testing"

func TestStorageStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to StorageStatus
		want     bool
	}{
		{StorageNotCreated, StorageMinimal, true},
		{StorageNotCreated, StorageComplete, true},
		{StorageNotCreated, StorageError, true},
		{StorageMinimal, StorageComplete, true},
		{StorageMinimal, StorageNotCreated, false},
		{StorageMinimal, StorageError, true},
		{StorageComplete, StorageMinimal, false},
		{StorageComplete, StorageNotCreated, false},
		{StorageComplete, StorageError, true},
		{StorageError, StorageMinimal, true},
		{StorageError, StorageComplete, true},
		{StorageError, StorageNotCreated, false},
		{StorageComplete, StorageComplete, true},
		{StorageMinimal, StorageMinimal, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransitionSourcesMatchesCanTransition(t *testing.T) {
	all := []StorageStatus{StorageNotCreated, StorageMinimal, StorageComplete, StorageError}
	for _, target := range all {
		sources := make(map[StorageStatus]bool)
		for _, s := range TransitionSources(target) {
			sources[s] = true
		}
		for _, from := range all {
			if sources[from] != from.CanTransition(target) {
				t.Errorf("TransitionSources(%s) and CanTransition(%s -> %s) disagree", target, from, target)
			}
		}
	}
}

func TestStorageStatusValid(t *testing.T) {
	for _, s := range []StorageStatus{StorageNotCreated, StorageMinimal, StorageComplete, StorageError} {
		if !s.Valid() {
			t.Errorf("%s reported invalid", s)
		}
	}
	if StorageStatus("provisioning").Valid() {
		t.Error("unknown status reported valid")
	}
}
