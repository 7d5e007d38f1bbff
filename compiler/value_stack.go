package compiler

import (
	"fmt"

	"github.com/yut148/wasmer/machine"
	"github.com/yut148/wasmer/wasm"
)

// ownership tags whether a value-stack entry is a guest local (must be
// preserved across pops; GetLocal never removes it from the register/slot
// it lives in) or a codegen-owned temporary (released back to the Machine
// when popped), per spec §3's "LocalOrTemp" tag.
type ownership byte

const (
	ownTemp ownership = iota
	ownLocal
)

// stackEntry is one (Location, ownership) pair on the function's virtual
// value stack.
type stackEntry struct {
	loc   machine.Location
	own   ownership
	vtype wasm.ValueType
	// localIndex is meaningful only when own == ownLocal: it lets SetLocal/
	// TeeLocal find every stack entry that currently aliases local i, since
	// GetLocal pushes the local's Location directly rather than copying it.
	localIndex wasm.Index
}

// valueStack is the per-function virtual value stack described in spec §3.
// It never itself holds machine state beyond bookkeeping; all physical
// register/stack-slot state lives in the Machine.
type valueStack struct {
	entries []stackEntry
}

func (v *valueStack) push(e stackEntry) { v.entries = append(v.entries, e) }

func (v *valueStack) pop() stackEntry {
	n := len(v.entries)
	e := v.entries[n-1]
	v.entries = v.entries[:n-1]
	return e
}

func (v *valueStack) peek() stackEntry { return v.entries[len(v.entries)-1] }

func (v *valueStack) depth() int { return len(v.entries) }

// truncateTo releases (back to m) every temporary at or above depth d and
// shrinks the stack to depth d; guest locals are never released since their
// Location is owned by the locals array, not this pop.
func (v *valueStack) truncateTo(d int, m *machine.Machine) {
	for len(v.entries) > d {
		e := v.pop()
		if e.own == ownTemp {
			m.ReleaseLocationsKeepState([]machine.Location{e.loc})
		}
	}
}

func (v *valueStack) String() string {
	s := "["
	for i, e := range v.entries {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s:%s", e.vtype, e.loc)
	}
	return s + "]"
}
