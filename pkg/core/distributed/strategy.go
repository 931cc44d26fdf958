// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/pkg/errors"
)

// Mode is an enumeration of the tensor-parallel strategies a sharded module can run with.
//
// It determines what the partitioned module consumes and produces, and hence which collectives
// the schedule needs to insert around it.
type Mode int

const (
	// ModeAuto infers the mode from the sharded axis of a linear layer's weight (shaped [out, in]):
	// axis 0 is ModeColumn and axis 1 is ModeRow. Other parameters are simply kept sharded.
	ModeAuto Mode = iota

	// ModeColumn splits the output features: the module consumes a replicated input and produces
	// an output partitioned along its last axis. The bias, if any, is sharded along with the weight.
	ModeColumn

	// ModeRow splits the input features: the module consumes an input partitioned along its last axis
	// and its partial results are all-reduced (summed) before the bias is added, producing a replicated output.
	ModeRow
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "Auto"
	case ModeColumn:
		return "Column"
	case ModeRow:
		return "Row"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a mode name (case-sensitive, as returned by String, or lower-case) back to a Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "", "Auto", "auto":
		return ModeAuto, nil
	case "Column", "column":
		return ModeColumn, nil
	case "Row", "row":
		return ModeRow, nil
	}
	return ModeAuto, errors.Errorf("unknown sharding mode %q, valid values are \"column\" and \"row\"", name)
}

// ReduceOp is the reduction used by AllReduce.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceMax
)

func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "Sum"
	case ReduceMean:
		return "Mean"
	case ReduceMax:
		return "Max"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}
