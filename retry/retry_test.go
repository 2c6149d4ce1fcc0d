// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/buildaccel/shortcut/errors"
)

func TestBackoff(t *testing.T) {
	policy := Backoff(time.Second, 10*time.Second, 2)
	expect := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for retries, wait := range expect {
		keepgoing, dur := policy.Retry(retries)
		if !keepgoing {
			t.Fatal("!keepgoing")
		}
		if got, want := dur, wait; got != want {
			t.Errorf("retry %d: got %v, want %v", retries, got, want)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	base := Backoff(time.Second, 10*time.Second, 2)
	policy := Jitter(base, 0.5)
	for retries := 0; retries < 5; retries++ {
		_, want := base.Retry(retries)
		keepgoing, got := policy.Retry(retries)
		if !keepgoing {
			t.Fatal("!keepgoing")
		}
		if got < want/2 || got > want {
			t.Errorf("retry %d: jittered wait %v outside [%v, %v]", retries, got, want/2, want)
		}
	}
}

func TestMaxRetries(t *testing.T) {
	policy := MaxRetries(Backoff(time.Millisecond, time.Millisecond, 1), 3)
	for retries := 0; retries < 3; retries++ {
		keepgoing, _ := policy.Retry(retries)
		if !keepgoing {
			t.Fatalf("gave up at retry %d", retries)
		}
	}
	keepgoing, _ := policy.Retry(3)
	if keepgoing {
		t.Fatal("should have given up after 3 tries")
	}
	if err := Wait(context.Background(), policy, 3); !errors.Is(errors.TooManyTries, err) {
		t.Errorf("got %v, want TooManyTries", err)
	}
}

func TestWaitCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got, want := Wait(ctx, Backoff(time.Minute, time.Minute, 1), 0), context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWaitDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := Wait(ctx, Backoff(time.Minute, time.Minute, 1), 0)
	if !errors.Is(errors.Timeout, err) {
		t.Errorf("got %v, want Timeout", err)
	}
}
