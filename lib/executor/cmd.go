// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"

	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/lib/service"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command(loom.ServiceNameExecutor, NewHandler)

// NewHandler returns a service.Handler that runs an executor agent:
// it registers with the cluster's scheduler, heartbeats, executes
// dispatched tasks, and serves shuffle data. Exported so scheduler
// tests can run live agents in-process.
func NewHandler(ctx context.Context, cluster *loom.Cluster, token string, reg *prometheus.Registry) service.Handler {
	client, err := loom.NewClientFromConfig(cluster)
	if err != nil {
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("error initializing scheduler client: %w", err))
	}
	if token != "" {
		client.AuthToken = token
	}
	ag := &agent{
		Cluster:   cluster,
		Context:   ctx,
		AuthToken: token,
		Registry:  reg,
		client:    client,
	}
	go ag.Start()
	return ag
}
