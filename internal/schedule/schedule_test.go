package schedule

import (
	"context"
	"testing"
	"time"
)

func TestParseRejectsWrongFieldCount(t *testing.T) {
	if _, err := Parse("* * *"); err == nil {
		t.Fatal("expected error for too few fields")
	}
}

func TestParseWildcardMatchesEveryMinute(t *testing.T) {
	expr, err := Parse("* * * * *")
	if err != nil {
		t.Fatal(err)
	}
	if !expr.Matches(time.Date(2026, 7, 30, 3, 17, 0, 0, time.UTC)) {
		t.Error("wildcard expression should match any time")
	}
}

func TestParseExactValues(t *testing.T) {
	expr, err := Parse("30 2 * * *")
	if err != nil {
		t.Fatal(err)
	}
	if !expr.Matches(time.Date(2026, 7, 30, 2, 30, 0, 0, time.UTC)) {
		t.Error("expected match at 02:30")
	}
	if expr.Matches(time.Date(2026, 7, 30, 2, 31, 0, 0, time.UTC)) {
		t.Error("expected no match at 02:31")
	}
}

func TestParseStepValues(t *testing.T) {
	expr, err := Parse("*/15 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	for _, minute := range []int{0, 15, 30, 45} {
		if !expr.Matches(time.Date(2026, 1, 1, 0, minute, 0, 0, time.UTC)) {
			t.Errorf("expected match at minute %d", minute)
		}
	}
	if expr.Matches(time.Date(2026, 1, 1, 0, 16, 0, 0, time.UTC)) {
		t.Error("expected no match at minute 16")
	}
}

func TestParseRange(t *testing.T) {
	expr, err := Parse("0 9-17 * * 1-5")
	if err != nil {
		t.Fatal(err)
	}
	// 2026-07-30 is a Thursday.
	if !expr.Matches(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)) {
		t.Error("expected match on a weekday within the hour range")
	}
	// 2026-08-01 is a Saturday.
	if expr.Matches(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)) {
		t.Error("expected no match on a weekend")
	}
}

func TestParseRejectsOutOfRangeValue(t *testing.T) {
	if _, err := Parse("99 * * * *"); err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
}

func TestRunnerInvokesFnOnMatchingMinute(t *testing.T) {
	expr, err := Parse("* * * * *")
	if err != nil {
		t.Fatal(err)
	}
	fired := make(chan struct{}, 1)
	r := NewRunner(expr, func(ctx context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run's ticker is fixed at one minute, too slow to observe directly in
	// a unit test; exercise Matches/fn wiring by invoking the match check
	// the way Run does, rather than waiting out a real tick.
	if expr.Matches(time.Now()) {
		r.fn(ctx)
	}
	select {
	case <-fired:
	default:
		t.Skip("current minute did not match; non-deterministic by design")
	}
}
