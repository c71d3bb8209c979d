// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package stagegraph turns logical query plans into executable stage
// DAGs, cutting the operator tree at shuffle boundaries.
package stagegraph

import (
	"fmt"

	"github.com/loomdb/loom/sdk/go/loom"
)

// Build cuts plan into stages. Each shuffle boundary becomes its own
// stage running the subtree below it with the boundary's declared
// parallelism; the boundary itself is replaced by a shuffleread leaf
// in the consuming fragment. The root fragment is the terminal stage
// and always runs as a single task that gathers every partition of its
// inputs.
//
// Stage indices are assigned in depth-first post-order, so upstream
// stages always have lower indices than their consumers, the terminal
// stage is last, and identical plans yield identical graphs. Recovery
// relies on that: a scheduler rebuilding a job from its checkpointed
// plan must reproduce the same indices and edges.
//
// maxPartitions > 0 caps the parallelism any one boundary may declare.
func Build(plan *loom.Plan, maxPartitions int) ([]*loom.Stage, error) {
	if plan == nil || plan.Root == nil {
		return nil, fmt.Errorf("plan has no root operator")
	}
	b := &builder{maxPartitions: maxPartitions, visiting: map[*loom.PlanNode]bool{}}
	if _, err := b.buildStage(plan.Root, 1); err != nil {
		return nil, err
	}
	return b.stages, nil
}

type builder struct {
	maxPartitions int
	stages        []*loom.Stage
	visiting      map[*loom.PlanNode]bool
}

// buildStage makes the subtree rooted at node into a stage with the
// given partition count, recursing into deeper boundaries first, and
// returns the new stage's index.
func (b *builder) buildStage(node *loom.PlanNode, partitions int) (int, error) {
	stage := &loom.Stage{
		State:      loom.StageStatePending,
		Partitions: partitions,
		Fanout:     1,
	}
	fragment, err := b.buildFragment(node, stage)
	if err != nil {
		return 0, err
	}
	stage.Fragment = fragment
	stage.Index = len(b.stages)
	for i := 0; i < partitions; i++ {
		stage.Tasks = append(stage.Tasks, &loom.Task{Partition: i, State: loom.TaskStateUnscheduled})
	}
	b.stages = append(b.stages, stage)
	return stage.Index, nil
}

// buildFragment copies the operator tree under node into stage's
// fragment, validating each operator. A shuffle child is cut off into
// its own stage and replaced with a shuffleread leaf; the cut-off
// stage's fanout is the consuming stage's partition count.
func (b *builder) buildFragment(node *loom.PlanNode, stage *loom.Stage) (*loom.PlanNode, error) {
	if node == nil {
		return nil, fmt.Errorf("plan contains a nil operator")
	}
	if b.visiting[node] {
		return nil, fmt.Errorf("plan contains a cycle")
	}
	b.visiting[node] = true
	defer delete(b.visiting, node)

	switch node.Op {
	case loom.OpTable:
		if len(node.Children) != 0 {
			return nil, opError(node, "takes no inputs")
		}
		if len(node.Columns) == 0 {
			return nil, opError(node, "declares no columns")
		}
	case loom.OpRange:
		if len(node.Children) != 0 {
			return nil, opError(node, "takes no inputs")
		}
		if node.Count < 0 {
			return nil, opError(node, "declares a negative count")
		}
	case loom.OpFilter:
		if len(node.Children) != 1 {
			return nil, opError(node, "needs exactly one input")
		}
		if node.Filter == nil {
			return nil, opError(node, "has no condition")
		}
	case loom.OpProject:
		if len(node.Children) != 1 {
			return nil, opError(node, "needs exactly one input")
		}
		if len(node.Columns) == 0 {
			return nil, opError(node, "declares no columns")
		}
	case loom.OpHashAgg:
		if len(node.Children) != 1 {
			return nil, opError(node, "needs exactly one input")
		}
		if len(node.Aggs) == 0 && len(node.GroupBy) == 0 {
			return nil, opError(node, "declares no aggregates or grouping")
		}
	case loom.OpLimit:
		if len(node.Children) != 1 {
			return nil, opError(node, "needs exactly one input")
		}
		if node.Limit < 0 {
			return nil, opError(node, "declares a negative limit")
		}
	case loom.OpShuffle:
		if len(node.Children) != 1 {
			return nil, opError(node, "needs exactly one input")
		}
		if node.Parallelism < 1 {
			return nil, opError(node, "must declare parallelism")
		}
		if b.maxPartitions > 0 && node.Parallelism > b.maxPartitions {
			return nil, fmt.Errorf("shuffle parallelism %d exceeds MaxPartitions %d", node.Parallelism, b.maxPartitions)
		}
		upstreamIdx, err := b.buildStage(node.Children[0], node.Parallelism)
		if err != nil {
			return nil, err
		}
		upstream := b.stages[upstreamIdx]
		upstream.Fanout = stage.Partitions
		upstream.PartitionBy = append([]string(nil), node.PartitionBy...)
		stage.DependsOn = append(stage.DependsOn, upstreamIdx)
		return &loom.PlanNode{Op: loom.OpShuffleRead, UpstreamStage: upstreamIdx}, nil
	case loom.OpShuffleRead:
		return nil, opError(node, "is reserved for stage fragments")
	default:
		return nil, fmt.Errorf("unknown operator %q", node.Op)
	}

	clone := *node
	clone.Children = nil
	for _, child := range node.Children {
		copied, err := b.buildFragment(child, stage)
		if err != nil {
			return nil, err
		}
		clone.Children = append(clone.Children, copied)
	}
	return &clone, nil
}

func opError(node *loom.PlanNode, msg string) error {
	return fmt.Errorf("%s operator %s", node.Op, msg)
}
