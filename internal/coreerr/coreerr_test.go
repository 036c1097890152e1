package coreerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinels_AreDistinct(t *testing.T) {
	all := []error{
		ErrNotFound, ErrInvalidState, ErrStaleGeneration, ErrNotAssigned,
		ErrEmpty, ErrInvalidParams, ErrTableCorrupted, ErrCooldown, ErrUnauthorized,
	}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Fatalf("sentinel %d (%v) unexpectedly matches sentinel %d (%v)", i, a, j, b)
			}
		}
	}
}

func TestSentinels_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("taskqueue: assign task-1: %w (%s)", ErrInvalidState, "assigned")
	if !errors.Is(wrapped, ErrInvalidState) {
		t.Fatalf("wrapped error does not match ErrInvalidState: %v", wrapped)
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Fatal("wrapped ErrInvalidState must not match ErrNotFound")
	}
}

func TestSentinels_HaveStableMessages(t *testing.T) {
	cases := map[error]string{
		ErrNotFound:        "not_found",
		ErrInvalidState:    "invalid_state",
		ErrStaleGeneration: "stale_generation",
		ErrNotAssigned:     "not_assigned",
		ErrEmpty:           "empty",
		ErrInvalidParams:   "invalid_params",
		ErrTableCorrupted:  "table_corrupted",
		ErrCooldown:        "cooldown",
		ErrUnauthorized:    "unauthorized",
	}
	for err, want := range cases {
		if err.Error() != want {
			t.Errorf("error message = %q, want %q", err.Error(), want)
		}
	}
}
