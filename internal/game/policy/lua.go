package policy

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"
)

// DefaultInstructionLimit is the maximum number of Lua opcodes one decision may run.
const DefaultInstructionLimit = 100_000

// countingContext cancels itself after Done() has been called limit times.
// GopherLua calls Done() once per opcode, making this an exact instruction limit.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

func newCountingContext(limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	rem := &atomic.Int64{}
	rem.Store(int64(limit))
	return &countingContext{Context: base, cancel: cancel, remaining: rem}, cancel
}

// NewSandboxedState creates an LState with only the base, table, string and
// math libraries, without dofile, loadfile, load, collectgarbage or require,
// and limited to instLimit opcodes.
//
// Precondition: instLimit >= 0; 0 uses DefaultInstructionLimit.
// Postcondition: The caller must call the returned cancel and L.Close().
func NewSandboxedState(instLimit int) (*lua.LState, context.CancelFunc) {
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	ctx, cancel := newCountingContext(instLimit)
	L.SetContext(ctx)
	return L, cancel
}

// Lua runs a script that defines a global function
//
//	winner(standings, final) -> name or nil
//
// where standings is an array of {name, score, has_score} tables in join order.
// Each decision runs in a fresh sandbox, so a Lua policy is safe for concurrent use.
type Lua struct {
	id        string
	proto     *lua.FunctionProto
	instLimit int
	logger    *zap.Logger
}

// NewLua compiles source into a Lua policy.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns an error if source does not parse.
func NewLua(id, source string, instLimit int, logger *zap.Logger) (*Lua, error) {
	chunk, err := parse.Parse(strings.NewReader(source), id)
	if err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", id, err)
	}
	proto, err := lua.Compile(chunk, id)
	if err != nil {
		return nil, fmt.Errorf("compiling policy %s: %w", id, err)
	}
	return &Lua{id: id, proto: proto, instLimit: instLimit, logger: logger}, nil
}

// ID implements Policy.
func (p *Lua) ID() string { return p.id }

// Winner implements Policy. Script errors and names that are not in
// standings are logged and treated as no decision.
func (p *Lua) Winner(standings []Standing, final bool) (string, bool) {
	L, cancel := NewSandboxedState(p.instLimit)
	defer cancel()
	defer L.Close()

	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		p.logger.Warn("policy script failed to load", zap.String("policy", p.id), zap.Error(err))
		return "", false
	}

	fn, ok := L.GetGlobal("winner").(*lua.LFunction)
	if !ok {
		p.logger.Warn("policy script defines no winner function", zap.String("policy", p.id))
		return "", false
	}

	tbl := L.NewTable()
	for _, s := range standings {
		row := L.NewTable()
		row.RawSetString("name", lua.LString(s.Name))
		row.RawSetString("score", lua.LNumber(s.Score))
		row.RawSetString("has_score", lua.LBool(s.HasScore))
		tbl.Append(row)
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, tbl, lua.LBool(final)); err != nil {
		p.logger.Warn("policy script error", zap.String("policy", p.id), zap.Error(err))
		return "", false
	}

	ret := L.Get(-1)
	L.Pop(1)
	name, ok := ret.(lua.LString)
	if !ok || name == "" {
		return "", false
	}
	for _, s := range standings {
		if s.Name == string(name) {
			return s.Name, true
		}
	}
	p.logger.Warn("policy script returned unknown player",
		zap.String("policy", p.id),
		zap.String("name", string(name)),
	)
	return "", false
}
