package compiler

import (
	"github.com/yut148/wasmer/asm"
	"github.com/yut148/wasmer/wasm"
)

// ifElseState tracks which arm of an If control frame is currently being
// compiled, per spec §3's control-frame record.
type ifElseState byte

const (
	ifElseNone ifElseState = iota
	ifElseIf
	ifElseElse
)

// controlFrame is one entry of the control-frame stack: a wasm block/loop/
// if, its end label, and enough state to resolve branches into it.
type controlFrame struct {
	label      asm.Label
	elseLabel  asm.Label // only meaningful while ifElse == ifElseIf
	isLoop     bool
	ifElse     ifElseState
	resultType wasm.BlockType
	// resultLoc is the register this frame's result value (if any) is
	// collected into by every Br/BrIf/End that targets it, and read back
	// out of once the frame closes; acquired when the frame is pushed.
	resultLoc asm.Register
	// stackDepthAtEntry is the valueStack depth when this frame was
	// pushed; Br/BrIf/End truncate back to this depth (plus the result,
	// if any) per spec §3 invariant (1).
	stackDepthAtEntry int
	// reachable is false while compiling inside a region spec §3 calls
	// "unreachable": operators are decoded but no code is emitted. It is
	// cleared again at the Else/End that closes out the dead region.
	reachable bool
	// enteredLive records whether this frame was pushed while its
	// enclosing scope was still reachable; only such a frame's own
	// Else/End resumes live code generation (a Block/Loop/If nested
	// entirely inside an already-dead region stays dead for its whole
	// extent, and its End does nothing beyond popping the frame).
	enteredLive bool
}

// controlStack is the per-function control-frame stack. Index 0 is always
// the outermost (function-body) frame; End of that frame emits the
// function epilogue instead of binding a label.
type controlStack struct {
	frames []*controlFrame
}

func (c *controlStack) push(f *controlFrame) { c.frames = append(c.frames, f) }

func (c *controlStack) pop() *controlFrame {
	n := len(c.frames)
	f := c.frames[n-1]
	c.frames = c.frames[:n-1]
	return f
}

func (c *controlStack) top() *controlFrame { return c.frames[len(c.frames)-1] }

// at returns the frame `relativeDepth` frames up from the top (0 == top),
// as addressed by Br/BrIf/BrTable's relative-depth immediate.
func (c *controlStack) at(relativeDepth uint32) *controlFrame {
	return c.frames[len(c.frames)-1-int(relativeDepth)]
}

func (c *controlStack) isOutermost() bool { return len(c.frames) == 1 }

// inUnreachable reports whether the innermost frame's body is currently
// dead code, per spec §3 invariant (2): true from the point an
// unconditional Br/BrTable/Return/Unreachable is emitted until the
// matching Else/End of that same frame.
func (c *controlStack) inUnreachable() bool {
	return len(c.frames) > 0 && !c.top().reachable
}
