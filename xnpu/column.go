package xnpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SamuelBayliss/xdna-driver/internal/xchan"
	"github.com/SamuelBayliss/xdna-driver/xbo"
	"github.com/SamuelBayliss/xdna-driver/xcmd"
	"github.com/SamuelBayliss/xdna-driver/xdevice"
)

// column is one execution lane.
// It takes submissions from the shared queue and runs them one at a
// time, coordinating every lifecycle transition with the engine kernel.
type column struct {
	log *slog.Logger
	id  int

	engine *NPU
}

func (c *column) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		sub, ok := xchan.RecvC(ctx, c.log, c.engine.subs, "waiting for a submission")
		if !ok {
			return
		}
		if !c.execute(ctx, sub) {
			return
		}
	}
}

// execute runs one command to a terminal state, or parks.
// It reports false when the context was canceled mid-command.
func (c *column) execute(ctx context.Context, sub *xdevice.ExecRequest) bool {
	start := startRequest{Col: c.id, Req: sub, Resp: make(chan startDirective, 1)}
	dir, ok := xchan.ReqResp(
		ctx, c.log,
		c.engine.starts, start,
		start.Resp,
		"requesting start clearance",
	)
	if !ok {
		return false
	}

	if dir.Wake != nil {
		reason, ok := xchan.RecvC(ctx, c.log, dir.Wake, "holding command on wedged engine")
		if !ok {
			return false
		}
		if reason == wakeReset {
			// The reset aborted the held command; drop it.
			return true
		}
	}

	st, badWord, faulted := c.interpret(sub.Cmd)
	if faulted {
		c.log.Warn(
			"Column parked on unrecognized instruction word",
			"hwctx", sub.Context,
			"word", fmt.Sprintf("%#010x", badWord),
		)

		park := parkRequest{Col: c.id, Resp: make(chan (<-chan wakeReason), 1)}
		wake, ok := xchan.ReqResp(
			ctx, c.log,
			c.engine.parks, park,
			park.Resp,
			"reporting parked column",
		)
		if !ok {
			return false
		}

		// Only a reset wakes a faulted column,
		// and the reset aborts the command it held.
		_, ok = xchan.RecvC(ctx, c.log, wake, "waiting for engine reset")
		return ok
	}

	if d := c.engine.cfg.ExecDelay; d > 0 && sub.Cmd.Opcode() == xcmd.OpStartCU {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}

	return xchan.SendC(
		ctx, c.log,
		c.engine.retires, retireEvent{Col: c.id, State: st},
		"reporting retired command to engine kernel",
	)
}

// interpret runs the command's instruction stream against its buffer
// arguments, on their device views.
//
// Kernels accumulate into the output buffer, so a program typically
// begins with [InstCopy] to seed it from the input.
//
// An unrecognized instruction word is reported via faulted rather
// than as a state, since it hangs the column instead of retiring
// the command.
func (c *column) interpret(cmd *xcmd.ExecBuf) (st xcmd.State, badWord uint32, faulted bool) {
	switch cmd.Opcode() {
	case xcmd.OpSync:
		return xcmd.StateCompleted, 0, false
	case xcmd.OpStartCU:
		// Interpreted below.
	default:
		c.log.Warn("Rejecting command with unknown opcode", "opcode", uint32(cmd.Opcode()))
		return xcmd.StateError, 0, false
	}

	inst, words := cmd.Instructions()
	if inst == nil || words == 0 {
		return xcmd.StateError, 0, false
	}

	var input, params, output *xbo.BO
	for _, a := range cmd.Args() {
		if a.BO == nil {
			continue
		}
		switch a.BO.Kind() {
		case xbo.KindInput:
			input = a.BO
		case xbo.KindParameters:
			params = a.BO
		case xbo.KindOutput:
			output = a.BO
		}
	}

	prog := inst.Dev()
	for w := range words {
		word := binary.LittleEndian.Uint32(prog[w*4:])
		op, operand := DecodeInst(word)

		switch op {
		case InstNop:
			// Nothing.

		case InstCopy:
			if input == nil || output == nil {
				return xcmd.StateError, 0, false
			}
			copy(output.Dev(), input.Dev())

		case InstAddC:
			if output == nil {
				return xcmd.StateError, 0, false
			}
			k := byte(operand)
			out := output.Dev()
			for i := range out {
				out[i] += k
			}

		case InstXorC:
			if output == nil {
				return xcmd.StateError, 0, false
			}
			k := byte(operand)
			out := output.Dev()
			for i := range out {
				out[i] ^= k
			}

		case InstAddP:
			if params == nil || output == nil {
				return xcmd.StateError, 0, false
			}
			p, out := params.Dev(), output.Dev()
			if len(p) == 0 {
				return xcmd.StateError, 0, false
			}
			for i := range out {
				out[i] += p[i%len(p)]
			}

		default:
			return 0, word, true
		}
	}

	return xcmd.StateCompleted, 0, false
}
