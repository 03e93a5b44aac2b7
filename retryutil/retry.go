//  Copyright 2019 Google Inc. All Rights Reserved.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package retryutil provides utility functions for retrying.
package retryutil

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/kilnforge/kiln/clog"
)

var currentSleeper sleeper = defaultSleeper{}

// RetrySleep returns a pseudo-random sleep duration.
func RetrySleep(base int, extra int) time.Duration {
	// base=1 and extra=0 => 1*1+[0,1) => 1s
	// base=2 and extra=0 => 2*2+[0,2) => 4-5s
	// base=3 and extra=0 => 3*3+[0,3) => 9-11s

	// base=1 and extra=5 => 6*1+[0,6) => 6-11s
	// base=2 and extra=5 => 7*2+[0,7) => 14-20s
	// base=3 and extra=5 => 8*3+[0,8) => 24-31s

	// base=1 and extra=10 => 11*1+[0,11) => 11-21s
	// base=2 and extra=10 => 12*2+[0,12) => 24-35s
	// base=3 and extra=10 => 13*3+[0,13) => 39-51s
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	nf := math.Min(float64((base+extra)*base+rnd.Intn(base+extra)), 300)
	return time.Duration(int(nf)) * time.Second
}

// RetryFunc retries a function provided as a parameter for maxRetryTime.
func RetryFunc(ctx context.Context, maxRetryTime time.Duration, desc string, f func() error) error {
	var tot time.Duration
	for i := 1; ; i++ {
		err := f()
		if err == nil {
			return nil
		}

		ns := RetrySleep(i, 0)
		tot += ns
		if tot > maxRetryTime {
			return err
		}

		clog.Errorf(ctx, "Error %s, attempt %d, retrying in %s: %v", desc, i, ns, err)
		currentSleeper.Sleep(ns)
	}
}

// RetryFetch retries a source/artifact fetch for maxRetryTime, but only for
// errors classified as transient (timeouts, connection resets, temporary DNS
// failures). A non-transient error (404, hash mismatch) returns immediately
// so callers surface FetchFailed without masking it behind retries.
func RetryFetch(ctx context.Context, maxRetryTime time.Duration, desc string, f func() error) error {
	var tot time.Duration
	for i := 1; ; i++ {
		err := f()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		ns := RetrySleep(i, 1)
		tot += ns
		if tot > maxRetryTime {
			return err
		}

		clog.Warningf(ctx, "Transient error %s, attempt %d, retrying in %s: %v", desc, i, ns, err)
		currentSleeper.Sleep(ns)
	}
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return false
}

type sleeper interface {
	Sleep(d time.Duration)
}

type defaultSleeper struct{}

func (ds defaultSleeper) Sleep(d time.Duration) {
	time.Sleep(d)
}
