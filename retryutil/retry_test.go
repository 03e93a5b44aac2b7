package retryutil

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"
)

func TestRetrySleep(t *testing.T) {
	tests := []struct {
		base               int
		extra              int
		expectedLowerBound time.Duration
		expectedUpperBound time.Duration
	}{
		{base: 1, extra: 0, expectedLowerBound: 1 * time.Second, expectedUpperBound: 2 * time.Second},
		{base: 2, extra: 0, expectedLowerBound: 4 * time.Second, expectedUpperBound: 6 * time.Second},
		{base: 3, extra: 0, expectedLowerBound: 9 * time.Second, expectedUpperBound: 12 * time.Second},

		{base: 1, extra: 5, expectedLowerBound: 6 * time.Second, expectedUpperBound: 12 * time.Second},
		{base: 2, extra: 5, expectedLowerBound: 14 * time.Second, expectedUpperBound: 21 * time.Second},
		{base: 3, extra: 5, expectedLowerBound: 24 * time.Second, expectedUpperBound: 32 * time.Second},

		{base: 1, extra: 10, expectedLowerBound: 11 * time.Second, expectedUpperBound: 22 * time.Second},
		{base: 2, extra: 10, expectedLowerBound: 24 * time.Second, expectedUpperBound: 36 * time.Second},
		{base: 3, extra: 10, expectedLowerBound: 39 * time.Second, expectedUpperBound: 52 * time.Second},
	}

	// Run each test case n times as RetrySleep have randomized nature.
	n := 100

	for i, tt := range tests {
		t.Run(fmt.Sprintf("Test case %d", i), func(t *testing.T) {
			for i := 0; i < n; i++ {
				rd := RetrySleep(tt.base, tt.extra)
				if rd < tt.expectedLowerBound || rd > tt.expectedUpperBound {
					t.Errorf("unexpected sleep duration, expected range [%s, %s] got %s", tt.expectedLowerBound, tt.expectedUpperBound, rd)
				}
			}
		})
	}
}

func TestRetryFunc(t *testing.T) {
	tests := []struct {
		name                 string
		maxRetryTime         time.Duration
		expectedToFailTimes  int
		failWith             error
		expectedError        error
		funcCalledLowerBound int
		funcCalledUpperBound int
	}{
		{
			name:                 "Function does not fail",
			maxRetryTime:         time.Minute,
			expectedToFailTimes:  0,
			failWith:             nil,
			expectedError:        nil,
			funcCalledLowerBound: 1,
			funcCalledUpperBound: 1,
		},
		{
			name:                 "Function does fail, retry does not work",
			maxRetryTime:         time.Second,
			expectedToFailTimes:  5,
			failWith:             fmt.Errorf("failure"),
			expectedError:        fmt.Errorf("failure"),
			funcCalledLowerBound: 1,
			funcCalledUpperBound: 2,
		},
		{
			name:                 "Function does fail, retry does work",
			maxRetryTime:         time.Minute,
			expectedToFailTimes:  5,
			failWith:             fmt.Errorf("failure"),
			expectedError:        nil,
			funcCalledLowerBound: 5,
			funcCalledUpperBound: 5,
		},
	}

	currentSleeper = noOpSleeper{} // Avoid calling time.Sleep to speed up tests

	description := "test"
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, count := callsCollector(tt.expectedToFailTimes, tt.failWith)

			err := RetryFunc(ctx, tt.maxRetryTime, description, f)
			if safeString(err) != safeString(tt.expectedError) {
				t.Errorf("unexpected error, exepcted %q, got %q", safeString(tt.expectedError), safeString(err))
			}

			if *count < tt.funcCalledLowerBound || *count > tt.funcCalledUpperBound {
				t.Errorf("unexpected function calls count, expected range [%d, %d], got %d", tt.funcCalledLowerBound, tt.funcCalledUpperBound, *count)
			}
		})
	}
}

type fakeNetErr struct{ msg string }

func (e *fakeNetErr) Error() string   { return e.msg }
func (e *fakeNetErr) Timeout() bool   { return true }
func (e *fakeNetErr) Temporary() bool { return true }

var _ net.Error = (*fakeNetErr)(nil)

func TestRetryFetch(t *testing.T) {
	tests := []struct {
		name                 string
		maxRetryTime         time.Duration
		expectedToFailTimes  int
		failWith             error
		expectSuccess        bool
		funcCalledLowerBound int
		funcCalledUpperBound int
	}{
		{
			name:                 "Function does not fail",
			maxRetryTime:         time.Minute,
			expectedToFailTimes:  0,
			failWith:             nil,
			expectSuccess:        true,
			funcCalledLowerBound: 1,
			funcCalledUpperBound: 1,
		},
		{
			name:                 "Non-transient error is not retried",
			maxRetryTime:         time.Minute,
			expectedToFailTimes:  5,
			failWith:             fmt.Errorf("404 not found"),
			expectSuccess:        false,
			funcCalledLowerBound: 1,
			funcCalledUpperBound: 1,
		},
		{
			name:                 "Transient net error is retried until success",
			maxRetryTime:         2 * time.Minute,
			expectedToFailTimes:  3,
			failWith:             &fakeNetErr{msg: "connection reset"},
			expectSuccess:        true,
			funcCalledLowerBound: 3,
			funcCalledUpperBound: 3,
		},
		{
			name:                 "Transient url.Error exhausts the retry budget",
			maxRetryTime:         time.Second,
			expectedToFailTimes:  10,
			failWith:             &url.Error{Op: "Get", URL: "http://example.invalid", Err: fmt.Errorf("eof")},
			expectSuccess:        false,
			funcCalledLowerBound: 1,
			funcCalledUpperBound: 2,
		},
	}

	currentSleeper = noOpSleeper{} // Avoid calling time.Sleep to speed up tests

	description := "test"
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, count := callsCollector(tt.expectedToFailTimes, tt.failWith)

			err := RetryFetch(ctx, tt.maxRetryTime, description, f)
			if tt.expectSuccess != (err == nil) {
				t.Errorf("unexpected error, got %q", safeString(err))
			}

			if *count < tt.funcCalledLowerBound || *count > tt.funcCalledUpperBound {
				t.Errorf("unexpected function calls count, expected range [%d, %d], got %d", tt.funcCalledLowerBound, tt.funcCalledUpperBound, *count)
			}
		})
	}
}

func Test_defaultSleeper(t *testing.T) {
	sleeper := defaultSleeper{}

	timeToSleep := 200 * time.Millisecond
	before := time.Now()

	sleeper.Sleep(timeToSleep)

	after := time.Now()
	elapsed := after.Sub(before)

	// Tolerate 10% difference to reduce test flakiness.
	maxTimeDifference := timeToSleep / 10
	if abs(elapsed.Milliseconds()-timeToSleep.Milliseconds()) > maxTimeDifference.Milliseconds() {
		t.Errorf("sleeper.Sleep, elapsed time %s bigger than expected %s", elapsed, timeToSleep)
	}
}

func abs(d int64) int64 {
	if d < 0 {
		return d * -1
	}

	return d
}

func safeString(err error) string {
	if err == nil {
		return "<nil>"
	}

	return err.Error()
}

func callsCollector(expectedToFailTimes int, failWith error) (func() error, *int) {
	var c int
	return func() error {
		c++
		if expectedToFailTimes <= c {
			return nil
		}

		return failWith
	}, &c
}

type noOpSleeper struct{}

func (noOpSleeper) Sleep(d time.Duration) { /*no op*/ }
