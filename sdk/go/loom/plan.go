// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

// Plan is a logical query plan: a DAG of operators with shuffle
// boundaries declared explicitly. Plans arrive as JSON from clients;
// how they were compiled is not loom's concern.
type Plan struct {
	Root *PlanNode `json:"root"`
}

// Operator names accepted in a submitted plan. OpShuffleRead never
// appears in submitted plans; the stage graph builder injects it where
// a fragment consumes an upstream stage's output.
const (
	OpTable       = "table"
	OpRange       = "range"
	OpFilter      = "filter"
	OpProject     = "project"
	OpHashAgg     = "hashagg"
	OpShuffle     = "shuffle"
	OpLimit       = "limit"
	OpShuffleRead = "shuffleread"
)

// PlanNode is one operator. Which fields are meaningful depends on Op:
//
//	table       Columns, Rows
//	range       Count, Columns (optional, default ["n"])
//	filter      Filter, Children[0]
//	project     Columns, Children[0]
//	hashagg     GroupBy, Aggs, Children[0]
//	shuffle     PartitionBy, Parallelism, Children[0]
//	limit       Limit, Children[0]
//	shuffleread UpstreamStage, Columns
type PlanNode struct {
	Op       string      `json:"op"`
	Children []*PlanNode `json:"children,omitempty"`

	Columns     []string        `json:"columns,omitempty"`
	Rows        [][]interface{} `json:"rows,omitempty"`
	Count       int64           `json:"count,omitempty"`
	Filter      *Condition      `json:"filter,omitempty"`
	GroupBy     []string        `json:"group_by,omitempty"`
	Aggs        []Aggregate     `json:"aggs,omitempty"`
	PartitionBy []string        `json:"partition_by,omitempty"`
	Parallelism int             `json:"parallelism,omitempty"`
	Limit       int64           `json:"limit,omitempty"`

	UpstreamStage int `json:"upstream_stage,omitempty"`
}

// Condition is a single-column comparison: col <op> value.
type Condition struct {
	Col   string      `json:"col"`
	Op    string      `json:"op"` // "=", "!=", "<", "<=", ">", ">="
	Value interface{} `json:"value"`
}

// Aggregate is one aggregation expression within a hashagg operator.
type Aggregate struct {
	Op  string `json:"op"` // "count", "sum", "min", "max"
	Col string `json:"col,omitempty"`
	As  string `json:"as"`
}

// ResultSet is a small tabular payload: the result rows of a completed
// job, or one shuffle partition in transit.
type ResultSet struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}
