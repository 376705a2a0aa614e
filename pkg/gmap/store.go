/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/metrics"
)

// ErrConflict is returned by Commit when the stored version no longer equals
// the base version the caller read.
var ErrConflict = errors.New("global map version conflict")

// TransportError reports that the backing store could not be reached or did
// not answer in time. The outcome of a commit that fails this way is unknown.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("global map %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Mutator edits a private copy of the map. It must not perform I/O, and it
// must be idempotent: after a commit with an unknown outcome it may run again
// on a map that already carries its own change. Returning an error aborts the
// commit and leaves the store untouched.
type Mutator func(m *GlobalMap) error

// Store is a versioned, remotely shared GlobalMap.
type Store interface {
	// Read returns the current map, including its version.
	Read(ctx context.Context) (*GlobalMap, error)
	// Commit applies fn to a copy of the current map and installs the
	// result with version+1, but only if the current version equals
	// baseVersion. Otherwise it returns ErrConflict.
	Commit(ctx context.Context, baseVersion int64, fn Mutator) (*GlobalMap, error)
}

// DefaultBackoff bounds Update to a handful of attempts.
var DefaultBackoff = wait.Backoff{
	Steps:    8,
	Duration: 10 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// Options tunes Update.
type Options struct {
	Backoff wait.Backoff
	// Timeout bounds every single Read and Commit round trip.
	Timeout time.Duration
}

// BackoffWithRetries returns DefaultBackoff allowing the given number of
// attempts.
func BackoffWithRetries(attempts int) wait.Backoff {
	b := DefaultBackoff
	if attempts > 0 {
		b.Steps = attempts
	}
	return b
}

// IsRetriable reports whether err is a conflict or transport failure that a
// fresh read may resolve.
func IsRetriable(err error) bool {
	var te *TransportError
	return errors.Is(err, ErrConflict) || errors.As(err, &te)
}

// Update reads the map and commits fn against the version it read, retrying
// on conflict or transport failure. Every attempt starts from a fresh read,
// so a commit that timed out is never retried blindly against a stale base.
// When the attempts are exhausted the last error is returned.
func Update(ctx context.Context, store Store, opts Options, fn Mutator) (*GlobalMap, error) {
	if opts.Backoff.Steps == 0 {
		opts.Backoff = DefaultBackoff
	}

	var result *GlobalMap
	attempt := 0
	err := retry.OnError(opts.Backoff, IsRetriable, func() error {
		attempt++
		m, err := read(ctx, store, opts.Timeout)
		if err != nil {
			klog.V(2).Infof("Update: read attempt %d failed: %v", attempt, err)
			metrics.CommitAttempts.WithLabelValues(metrics.ResultError).Inc()
			return err
		}

		cctx, cancel := withTimeout(ctx, opts.Timeout)
		defer cancel()
		result, err = store.Commit(cctx, m.Version, fn)
		switch {
		case err == nil:
			metrics.CommitAttempts.WithLabelValues(metrics.ResultOK).Inc()
		case errors.Is(err, ErrConflict):
			klog.V(2).Infof("Update: version %d superseded, attempt %d", m.Version, attempt)
			metrics.CommitAttempts.WithLabelValues(metrics.ResultConflict).Inc()
		default:
			metrics.CommitAttempts.WithLabelValues(metrics.ResultError).Inc()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get reads the map with the per-call timeout applied.
func Get(ctx context.Context, store Store, timeout time.Duration) (*GlobalMap, error) {
	return read(ctx, store, timeout)
}

func read(ctx context.Context, store Store, timeout time.Duration) (*GlobalMap, error) {
	rctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return store.Read(rctx)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// apply runs fn on a copy of cur and returns the next version. It is shared
// by every backend once it holds the current map.
func apply(cur *GlobalMap, baseVersion int64, fn Mutator) (*GlobalMap, error) {
	if cur.Version != baseVersion {
		return nil, ErrConflict
	}
	next := cur.DeepCopy()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.Subsystems == nil {
		next.Subsystems = make(map[string]*Subsystem)
	}
	next.Version = cur.Version + 1
	return next, nil
}
