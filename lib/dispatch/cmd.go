// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/lib/coordination"
	"github.com/loomdb/loom/lib/service"
	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command(loom.ServiceNameScheduler, newHandler)

func newHandler(ctx context.Context, cluster *loom.Cluster, token string, reg *prometheus.Registry) service.Handler {
	backend, err := coordination.NewBackend(cluster, ctxlog.FromContext(ctx), reg)
	if err != nil {
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("error initializing coordination backend: %w", err))
	}
	d := &dispatcher{
		Cluster:   cluster,
		Context:   ctx,
		AuthToken: token,
		Registry:  reg,
		backend:   backend,
	}
	go d.Start()
	return d
}
