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

package nvmf

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ceph-nvme/nvmf-proxy/pkg/client"
	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
)

// storeError converts an error from a global map read or commit. Status
// errors raised by mutators pass through unchanged.
func storeError(op string, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var te *gmap.TransportError
	switch {
	case errors.Is(err, gmap.ErrConflict):
		return status.Errorf(codes.Aborted, "%s: global map kept changing, giving up: %v", op, err)
	case errors.As(err, &te):
		return status.Errorf(codes.Unavailable, "%s: %v", op, err)
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

// targetError converts an error from the storage target daemon.
func targetError(op string, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var te *client.TransportError
	if errors.As(err, &te) {
		return status.Errorf(codes.Unavailable, "%s: target daemon unreachable: %v", op, err)
	}
	return status.Errorf(codes.Internal, "%s: target daemon failed: %v", op, err)
}

// commitOutcomeUnknown reports whether a failed commit may still have been
// applied by the store.
func commitOutcomeUnknown(err error) bool {
	var te *gmap.TransportError
	return errors.As(err, &te)
}
