// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package supervisor

import (
	"context"
)

// RunFunc is a long-running loop that exits when its context is
// canceled. All of the gateway's loops (registry heartbeat and cleanup,
// router maintenance, the event source, the HTTP server) satisfy this
// shape.
type RunFunc func(ctx context.Context) error

// FuncService adapts a RunFunc to suture.Service with a name for
// supervisor logging.
type FuncService struct {
	name string
	run  RunFunc
}

// NewFuncService wraps a run loop as a supervised service.
//
// Example usage:
//
//	tree.AddSessionService(supervisor.NewFuncService("registry-heartbeat", reg.RunHeartbeat))
func NewFuncService(name string, run RunFunc) *FuncService {
	return &FuncService{name: name, run: run}
}

// Serve implements suture.Service.
func (s *FuncService) Serve(ctx context.Context) error {
	return s.run(ctx)
}

// String implements fmt.Stringer for logging.
// Suture uses this to identify the service in log messages.
func (s *FuncService) String() string {
	return s.name
}
