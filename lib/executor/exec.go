// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/loomdb/loom/sdk/go/loom"
)

// engine evaluates one task's operator fragment. It is a small
// materializing row engine: every operator consumes and produces a
// complete ResultSet. Source operators see only the slice of their
// rows that belongs to the task's partition; shuffleread leaves fetch
// the task's input partition from upstream executors' advertised
// output locations.
type engine struct {
	// fetch makes shuffle-read requests. BaseURL stays empty:
	// input locations carry absolute URLs.
	fetch *loom.Client
}

func (e *engine) run(ctx context.Context, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	if td.Fragment == nil {
		return nil, operatorErrorf("task %s/%d/%d has no fragment", td.JobUUID, td.Stage, td.Partition)
	}
	return e.eval(ctx, td.Fragment, td)
}

func (e *engine) eval(ctx context.Context, node *loom.PlanNode, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	if node == nil {
		return nil, operatorErrorf("fragment contains a nil operator")
	}
	switch node.Op {
	case loom.OpTable:
		return evalTable(node, td)
	case loom.OpRange:
		return evalRange(ctx, node, td)
	case loom.OpFilter:
		return e.evalFilter(ctx, node, td)
	case loom.OpProject:
		return e.evalProject(ctx, node, td)
	case loom.OpHashAgg:
		return e.evalHashAgg(ctx, node, td)
	case loom.OpLimit:
		return e.evalLimit(ctx, node, td)
	case loom.OpShuffleRead:
		return e.evalShuffleRead(ctx, node, td)
	case loom.OpShuffle:
		// the stage graph builder cuts these out of fragments
		return nil, operatorErrorf("shuffle operator inside a stage fragment")
	default:
		return nil, operatorErrorf("unknown operator %q", node.Op)
	}
}

// evalChild evaluates an operator's single input.
func (e *engine) evalChild(ctx context.Context, node *loom.PlanNode, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	if len(node.Children) != 1 {
		return nil, operatorErrorf("%s operator needs exactly one input, has %d", node.Op, len(node.Children))
	}
	return e.eval(ctx, node.Children[0], td)
}

func evalTable(node *loom.PlanNode, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	lo, hi := sliceBounds(int64(len(node.Rows)), td.Partitions, td.Partition)
	out := &loom.ResultSet{Columns: node.Columns}
	out.Rows = append(out.Rows, node.Rows[lo:hi]...)
	return out, nil
}

func evalRange(ctx context.Context, node *loom.PlanNode, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	cols := node.Columns
	if len(cols) == 0 {
		cols = []string{"n"}
	}
	lo, hi := sliceBounds(node.Count, td.Partitions, td.Partition)
	out := &loom.ResultSet{Columns: cols}
	for i := lo; i < hi; i++ {
		if i&0xfff == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		row := make([]interface{}, len(cols))
		for c := range row {
			row[c] = float64(i)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// sliceBounds returns the [lo, hi) range of an n-element source that
// belongs to the given partition, splitting as evenly as possible.
func sliceBounds(n int64, partitions, partition int) (int64, int64) {
	if partitions < 1 {
		partitions = 1
	}
	if partition < 0 || partition >= partitions {
		return 0, 0
	}
	p := int64(partitions)
	return n * int64(partition) / p, n * int64(partition+1) / p
}

func (e *engine) evalFilter(ctx context.Context, node *loom.PlanNode, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	if node.Filter == nil {
		return nil, operatorErrorf("filter operator has no condition")
	}
	in, err := e.evalChild(ctx, node, td)
	if err != nil {
		return nil, err
	}
	idx, err := columnIndex(in.Columns, node.Filter.Col)
	if err != nil {
		return nil, err
	}
	out := &loom.ResultSet{Columns: in.Columns}
	for _, row := range in.Rows {
		v, err := rowValue(row, idx)
		if err != nil {
			return nil, err
		}
		match, err := matchCondition(v, node.Filter)
		if err != nil {
			return nil, err
		}
		if match {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func (e *engine) evalProject(ctx context.Context, node *loom.PlanNode, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	in, err := e.evalChild(ctx, node, td)
	if err != nil {
		return nil, err
	}
	idxs := make([]int, len(node.Columns))
	for i, col := range node.Columns {
		if idxs[i], err = columnIndex(in.Columns, col); err != nil {
			return nil, err
		}
	}
	out := &loom.ResultSet{Columns: node.Columns}
	for _, row := range in.Rows {
		proj := make([]interface{}, len(idxs))
		for i, idx := range idxs {
			if proj[i], err = rowValue(row, idx); err != nil {
				return nil, err
			}
		}
		out.Rows = append(out.Rows, proj)
	}
	return out, nil
}

func (e *engine) evalLimit(ctx context.Context, node *loom.PlanNode, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	if node.Limit < 0 {
		return nil, operatorErrorf("limit operator has negative limit %d", node.Limit)
	}
	in, err := e.evalChild(ctx, node, td)
	if err != nil {
		return nil, err
	}
	if node.Limit < int64(len(in.Rows)) {
		in.Rows = in.Rows[:node.Limit]
	}
	return in, nil
}

// aggCell is the running state of one aggregate expression within one
// group. count is the matched-row count; sum, and the min/max value,
// only reflect non-null inputs, tracked by seen.
type aggCell struct {
	count int64
	sum   float64
	val   interface{}
	seen  bool
}

type aggGroup struct {
	vals  []interface{}
	cells []aggCell
}

func (e *engine) evalHashAgg(ctx context.Context, node *loom.PlanNode, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	in, err := e.evalChild(ctx, node, td)
	if err != nil {
		return nil, err
	}
	groupIdx := make([]int, len(node.GroupBy))
	for i, col := range node.GroupBy {
		if groupIdx[i], err = columnIndex(in.Columns, col); err != nil {
			return nil, err
		}
	}
	aggIdx := make([]int, len(node.Aggs))
	for i, agg := range node.Aggs {
		switch agg.Op {
		case "count", "sum", "min", "max":
		default:
			return nil, operatorErrorf("unknown aggregate %q", agg.Op)
		}
		if agg.As == "" {
			return nil, operatorErrorf("%s aggregate declares no output name", agg.Op)
		}
		aggIdx[i] = -1
		if agg.Col != "" {
			if aggIdx[i], err = columnIndex(in.Columns, agg.Col); err != nil {
				return nil, err
			}
		} else if agg.Op != "count" {
			return nil, operatorErrorf("%s aggregate declares no input column", agg.Op)
		}
	}

	groups := map[string]*aggGroup{}
	if len(node.GroupBy) == 0 {
		// a global aggregation yields exactly one row, even
		// over empty input
		groups[""] = &aggGroup{cells: make([]aggCell, len(node.Aggs))}
	}
	var keyb strings.Builder
	for _, row := range in.Rows {
		keyb.Reset()
		for _, idx := range groupIdx {
			v, err := rowValue(row, idx)
			if err != nil {
				return nil, err
			}
			keyb.WriteString(keyToken(v))
			keyb.WriteByte(0)
		}
		key := keyb.String()
		g := groups[key]
		if g == nil {
			g = &aggGroup{cells: make([]aggCell, len(node.Aggs))}
			for _, idx := range groupIdx {
				v, _ := rowValue(row, idx)
				g.vals = append(g.vals, v)
			}
			groups[key] = g
		}
		for ai, agg := range node.Aggs {
			var v interface{}
			if aggIdx[ai] >= 0 {
				if v, err = rowValue(row, aggIdx[ai]); err != nil {
					return nil, err
				}
			}
			cell := &g.cells[ai]
			switch agg.Op {
			case "count":
				if aggIdx[ai] < 0 || v != nil {
					cell.count++
				}
			case "sum":
				if v == nil {
					break
				}
				f, ok := numeric(v)
				if !ok {
					return nil, dataErrorf("sum(%s): non-numeric value %v", agg.Col, v)
				}
				cell.sum += f
				cell.seen = true
			case "min", "max":
				if v == nil {
					break
				}
				if !cell.seen {
					cell.val, cell.seen = v, true
					break
				}
				c, err := compareOrdered(v, cell.val)
				if err != nil {
					return nil, dataErrorf("%s(%s): %s", agg.Op, agg.Col, err)
				}
				if agg.Op == "min" && c < 0 || agg.Op == "max" && c > 0 {
					cell.val = v
				}
			}
		}
	}

	out := &loom.ResultSet{Columns: append([]string{}, node.GroupBy...)}
	for _, agg := range node.Aggs {
		out.Columns = append(out.Columns, agg.As)
	}
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		g := groups[key]
		row := append([]interface{}{}, g.vals...)
		for ai, agg := range node.Aggs {
			cell := &g.cells[ai]
			switch agg.Op {
			case "count":
				// counts are emitted as float64 so results
				// keep the same shape across a JSON round
				// trip
				row = append(row, float64(cell.count))
			case "sum":
				if cell.seen {
					row = append(row, cell.sum)
				} else {
					row = append(row, nil)
				}
			default:
				row = append(row, cell.val)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func (e *engine) evalShuffleRead(ctx context.Context, node *loom.PlanNode, td *loom.TaskDispatch) (*loom.ResultSet, error) {
	inputs := td.Inputs[node.UpstreamStage]
	if len(inputs) == 0 {
		return nil, operatorErrorf("no inputs recorded for upstream stage %d", node.UpstreamStage)
	}
	out := &loom.ResultSet{Columns: node.Columns}
	for i, loc := range inputs {
		if loc.URL == "" {
			return nil, operatorErrorf("upstream stage %d task %d reported no output location", node.UpstreamStage, i)
		}
		var rs loom.ResultSet
		if err := e.fetch.RequestAndDecode(ctx, &rs, "GET", fmt.Sprintf("%s/%d", loc.URL, td.Partition), nil); err != nil {
			return nil, resourceErrorf("reading shuffle input: %s", err)
		}
		if len(out.Columns) == 0 {
			out.Columns = rs.Columns
		}
		out.Rows = append(out.Rows, rs.Rows...)
	}
	return out, nil
}

// partitionRows splits a task's result into fanout output partitions.
// Rows are routed by a hash of the partition-by columns, so equal keys
// always land in the same partition; with no partition-by columns the
// rows are dealt round-robin.
func partitionRows(rs *loom.ResultSet, partitionBy []string, fanout int) ([]*loom.ResultSet, error) {
	if fanout < 1 {
		fanout = 1
	}
	outs := make([]*loom.ResultSet, fanout)
	for i := range outs {
		outs[i] = &loom.ResultSet{Columns: rs.Columns}
	}
	if fanout == 1 {
		outs[0].Rows = rs.Rows
		return outs, nil
	}
	if len(partitionBy) == 0 {
		for i, row := range rs.Rows {
			p := i % fanout
			outs[p].Rows = append(outs[p].Rows, row)
		}
		return outs, nil
	}
	idxs := make([]int, len(partitionBy))
	for i, col := range partitionBy {
		idx, err := columnIndex(rs.Columns, col)
		if err != nil {
			return nil, err
		}
		idxs[i] = idx
	}
	h := fnv.New64a()
	for _, row := range rs.Rows {
		h.Reset()
		for _, idx := range idxs {
			v, err := rowValue(row, idx)
			if err != nil {
				return nil, err
			}
			h.Write([]byte(keyToken(v)))
			h.Write([]byte{0})
		}
		p := int(h.Sum64() % uint64(fanout))
		outs[p].Rows = append(outs[p].Rows, row)
	}
	return outs, nil
}

func columnIndex(cols []string, name string) (int, error) {
	for i, col := range cols {
		if col == name {
			return i, nil
		}
	}
	return 0, dataErrorf("no column %q in input columns %v", name, cols)
}

func rowValue(row []interface{}, idx int) (interface{}, error) {
	if idx >= len(row) {
		return nil, dataErrorf("row has %d values, want at least %d", len(row), idx+1)
	}
	return row[idx], nil
}

// numeric converts any Go or JSON number representation to float64.
func numeric(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint32:
		return float64(v), true
	}
	return 0, false
}

// keyToken renders a value for grouping and partitioning keys.
// Numeric types collapse to one representation so 1 and 1.0 group
// together; other types carry a tag so the string "1" stays distinct
// from the number 1.
func keyToken(v interface{}) string {
	if v == nil {
		return "z"
	}
	if f, ok := numeric(v); ok {
		return "n" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	switch v := v.(type) {
	case string:
		return "s" + v
	case bool:
		if v {
			return "t"
		}
		return "f"
	default:
		return fmt.Sprintf("o%v", v)
	}
}

func valuesEqual(a, b interface{}) bool {
	return keyToken(a) == keyToken(b)
}

func compareOrdered(a, b interface{}) (int, error) {
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	} else if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), nil
		}
	}
	return 0, dataErrorf("cannot compare %T with %T", a, b)
}

func matchCondition(v interface{}, cond *loom.Condition) (bool, error) {
	switch cond.Op {
	case "=":
		return valuesEqual(v, cond.Value), nil
	case "!=":
		return !valuesEqual(v, cond.Value), nil
	case "<", "<=", ">", ">=":
		c, err := compareOrdered(v, cond.Value)
		if err != nil {
			return false, err
		}
		switch cond.Op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	default:
		return false, operatorErrorf("unknown comparison operator %q", cond.Op)
	}
}

func operatorErrorf(format string, args ...interface{}) error {
	return &loom.TaskExecutionError{Kind: loom.FailureKindOperator, Reason: fmt.Sprintf(format, args...)}
}

func dataErrorf(format string, args ...interface{}) error {
	return &loom.TaskExecutionError{Kind: loom.FailureKindData, Reason: fmt.Sprintf(format, args...)}
}

func resourceErrorf(format string, args ...interface{}) error {
	return &loom.TaskExecutionError{Kind: loom.FailureKindResource, Reason: fmt.Sprintf(format, args...)}
}
