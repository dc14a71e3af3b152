package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, false},
		{502, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestPolicyDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxRetries: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(int) (bool, error) {
		calls++
		if calls < 3 {
			return true, errors.New("503")
		}
		return false, nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Do() err = %v calls = %d, want nil and 3", err, calls)
	}
}

func TestPolicyDoStopsOnFinalError(t *testing.T) {
	p := Policy{MaxRetries: 3, Base: time.Millisecond, Cap: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(int) (bool, error) {
		calls++
		return false, errors.New("400")
	})
	if err == nil || calls != 1 {
		t.Fatalf("Do() err = %v calls = %d, want error after 1 call", err, calls)
	}
}

func TestPolicyDoGivesUpAfterMaxRetries(t *testing.T) {
	p := Policy{MaxRetries: 2, Base: time.Millisecond, Cap: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(int) (bool, error) {
		calls++
		return true, errors.New("503")
	})
	if err == nil || calls != 3 {
		t.Fatalf("Do() err = %v calls = %d, want error after 3 calls", err, calls)
	}
}
