package order

import (
	"errors"
	"testing"
)

func TestValidateTransitionLegalEdges(t *testing.T) {
	sm := NewStateMachine()

	cases := []struct {
		from, to Status
	}{
		{StatusPendingSubmit, StatusSubmitted},
		{StatusPendingSubmit, StatusRetryQueued},
		{StatusPendingSubmit, StatusRejected},
		{StatusRetryQueued, StatusSubmitted},
		{StatusRetryQueued, StatusRejected},
		{StatusSubmitted, StatusPartiallyFilled},
		{StatusSubmitted, StatusFilled},
		{StatusSubmitted, StatusCancelled},
		{StatusSubmitted, StatusRejected},
		{StatusSubmitted, StatusManuallyModified},
		{StatusPartiallyFilled, StatusPartiallyFilled},
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled},
		{StatusPartiallyFilled, StatusManuallyModified},
		{StatusManuallyModified, StatusFilled},
		{StatusManuallyModified, StatusCancelled},
	}
	for _, c := range cases {
		if err := sm.ValidateTransition(c.from, c.to); err != nil {
			t.Errorf("%s -> %s should be legal, got %v", c.from, c.to, err)
		}
	}
}

func TestValidateTransitionIllegalEdges(t *testing.T) {
	sm := NewStateMachine()

	cases := []struct {
		from, to Status
	}{
		{StatusPendingSubmit, StatusFilled},
		{StatusPendingSubmit, StatusPartiallyFilled},
		{StatusSubmitted, StatusRetryQueued},
		{StatusPartiallyFilled, StatusSubmitted},
		{StatusRetryQueued, StatusCancelled},
	}
	for _, c := range cases {
		err := sm.ValidateTransition(c.from, c.to)
		if !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("%s -> %s should be illegal, got %v", c.from, c.to, err)
		}
	}
}

func TestValidateTransitionTerminalNeverRegresses(t *testing.T) {
	sm := NewStateMachine()
	terminals := []Status{StatusFilled, StatusRejected, StatusCancelled}
	all := []Status{
		StatusPendingSubmit, StatusRetryQueued, StatusSubmitted,
		StatusPartiallyFilled, StatusManuallyModified,
		StatusFilled, StatusRejected, StatusCancelled,
	}

	for _, from := range terminals {
		for _, to := range all {
			err := sm.ValidateTransition(from, to)
			if from == to {
				// 终态到自身幂等放行
				if err != nil {
					t.Errorf("%s -> %s (same state) should be a no-op, got %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrTerminalRegression) {
				t.Errorf("%s -> %s must fail as terminal regression, got %v", from, to, err)
			}
		}
	}
}

func TestSameStateTransitionIsIdempotent(t *testing.T) {
	sm := NewStateMachine()
	for _, s := range []Status{StatusSubmitted, StatusPartiallyFilled, StatusPendingSubmit} {
		if err := sm.ValidateTransition(s, s); err != nil {
			t.Errorf("%s -> %s should be allowed, got %v", s, s, err)
		}
	}
}

func TestIsFinalState(t *testing.T) {
	sm := NewStateMachine()
	if !sm.IsFinalState(StatusFilled) || !sm.IsFinalState(StatusRejected) || !sm.IsFinalState(StatusCancelled) {
		t.Error("FILLED/REJECTED/CANCELLED must be terminal")
	}
	if sm.IsFinalState(StatusSubmitted) || sm.IsFinalState(StatusManuallyModified) {
		t.Error("SUBMITTED/MANUALLY_MODIFIED must not be terminal")
	}
}

func TestCanCancel(t *testing.T) {
	sm := NewStateMachine()
	for _, s := range []Status{StatusSubmitted, StatusPartiallyFilled, StatusManuallyModified} {
		if !sm.CanCancel(s) {
			t.Errorf("expected CanCancel(%s) = true", s)
		}
	}
	for _, s := range []Status{StatusPendingSubmit, StatusFilled, StatusRejected, StatusCancelled} {
		if sm.CanCancel(s) {
			t.Errorf("expected CanCancel(%s) = false", s)
		}
	}
}

func TestTrackedOrderRemainingQuantity(t *testing.T) {
	o := &TrackedOrder{IntendedQuantity: 10, FilledQuantity: 4}
	if got := o.RemainingQuantity(); got != 6 {
		t.Fatalf("expected remaining 6, got %d", got)
	}
	o.FilledQuantity = 12
	if got := o.RemainingQuantity(); got != 0 {
		t.Fatalf("over-filled remaining should clamp to 0, got %d", got)
	}
}
