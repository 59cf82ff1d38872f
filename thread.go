package acsvm

import "strconv"

// callFrame is one activation record on a Thread's call stack.
type callFrame struct {
	ReturnAddr   Word
	LocalRegBase int
	LocalArrBase int
	Module       *Module
}

const maxCallDepth = 128

// Thread is a live execution: a cooperative state machine driven
// entirely by exec(budget). It carries no goroutine of its own.
type Thread struct {
	Env    *Environment
	Module *Module
	Script *Script

	CodePtr  Word
	CallStk  []callFrame
	DataStk  []Word
	LocalReg []Word
	LocalArr [][]Word
	PrintBuf []byte

	Delay  int
	Result Word
	State  ThreadState

	ScopeGlobal *GlobalScope
	ScopeHub    *HubScope
	ScopeMap    *MapScope
	ScopeModule *ModuleScope
}

// start initializes a pooled Thread for scr within scope, copying args
// into its local registers.
func (t *Thread) start(scope *MapScope, scr *Script, args []Word) {
	t.Env = scr.Module.Env
	t.Module = scr.Module
	t.Script = scr
	t.CodePtr = scr.CodeIdx
	t.CallStk = t.CallStk[:0]
	t.DataStk = t.DataStk[:0]
	t.LocalReg = make([]Word, scr.LocRegC)
	for i, a := range args {
		if i < len(t.LocalReg) {
			t.LocalReg[i] = a
		}
	}
	t.LocalArr = make([][]Word, scr.LocArrC)
	for i := range t.LocalArr {
		t.LocalArr[i] = nil
	}
	t.PrintBuf = t.PrintBuf[:0]
	t.Delay = 0
	t.Result = 0
	t.State = ThreadRunning

	t.ScopeMap = scope
	t.ScopeHub = scope.Hub
	t.ScopeGlobal = scope.Hub.Global
	t.ScopeModule = scope.moduleScopeFor(scr.Module)
}

// reset clears a Thread's fields before it returns to the free pool.
func (t *Thread) reset() {
	*t = Thread{}
}

// terminate stops t, wakes any thread waiting on its script id/name,
// and notifies the Environment's optional termination hook. err is nil
// for a normal `terminate` opcode and non-nil when a runtime fault
// killed the thread.
func (t *Thread) terminate(err error) {
	t.State = ThreadInactive
	scope := t.ScopeMap
	scr := t.Script

	if scope != nil && scr != nil {
		scope.wake(ThreadWaitScriptNumber, scr.Number)
		if scr.Name != nil {
			scope.wake(ThreadWaitScriptName, scr.Name.Content())
		}
		// A script has no separate tag identity of its own; a
		// wait-tag blocks on a script's number reinterpreted as the
		// Word a wait-tag instruction pushes, so the same script
		// that satisfies a wait-script-number also satisfies a
		// wait-tag keyed on that number.
		scope.wake(ThreadWaitTag, Word(uint32(int32(scr.Number))))
	}

	if err != nil && t.Env != nil {
		scriptNum := -1
		if scr != nil {
			scriptNum = scr.Number
		}
		t.Env.Logger.ThreadFault(scriptNum, err)
		if t.Env.OnThreadFault != nil {
			t.Env.OnThreadFault(t, err)
		}
	}
	if t.Env != nil && t.Env.OnThreadTerminate != nil {
		t.Env.OnThreadTerminate(t)
	}

	if scope != nil {
		scope.releaseThread(t)
	}
}

func (t *Thread) push(w Word)       { t.DataStk = append(t.DataStk, w) }
func (t *Thread) pop() (Word, bool) {
	n := len(t.DataStk)
	if n == 0 {
		return 0, false
	}
	w := t.DataStk[n-1]
	t.DataStk = t.DataStk[:n-1]
	return w, true
}

func (t *Thread) fetch() (Word, bool) {
	if int(t.CodePtr) >= len(t.Module.CodeV) {
		return 0, false
	}
	w := t.Module.CodeV[t.CodePtr]
	t.CodePtr++
	return w, true
}

// exec runs t for up to budget instructions, stopping early on
// suspension (delay/wait/terminate) or a runtime fault. It never
// returns an error for a contained fault — that fault terminates only
// this thread, observed through Environment.OnThreadFault.
func (t *Thread) exec(budget int) {
	for i := 0; i < budget; i++ {
		if t.State != ThreadRunning {
			return
		}

		opcode, ok := t.fetch()
		if !ok {
			t.terminate(ErrBadBranch)
			return
		}
		entry := t.Env.opEntry(opcode)
		if entry == nil {
			t.terminate(ErrBadBranch)
			return
		}

		if t.step(*entry) {
			return
		}
	}
}

// step executes one bound opcode. It returns true if the thread
// suspended (and exec's loop should stop for this tick).
func (t *Thread) step(e CodeData) bool {
	switch e.Kind {
	case OpNop:
		return false

	case OpPushConst:
		v, ok := t.fetch()
		if !ok {
			t.terminate(ErrBadBranch)
			return true
		}
		t.push(v)
		return false

	case OpDup:
		v, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		t.push(v)
		t.push(v)
		return false

	case OpSwap:
		b, ok1 := t.pop()
		a, ok2 := t.pop()
		if !ok1 || !ok2 {
			t.terminate(ErrStackUnderflow)
			return true
		}
		t.push(b)
		t.push(a)
		return false

	case OpDrop:
		if _, ok := t.pop(); !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		return false

	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr, OpXor, OpShl, OpShr,
		OpCmpEq, OpCmpNe, OpCmpLt, OpCmpLe, OpCmpGt, OpCmpGe:
		return t.binaryOp(e.Kind)

	case OpNeg:
		a, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		t.push(Word(-int32(a)))
		return false

	case OpLogNot:
		a, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		if a == 0 {
			t.push(1)
		} else {
			t.push(0)
		}
		return false

	case OpBranch:
		target, ok := t.fetch()
		if !ok {
			t.terminate(ErrBadBranch)
			return true
		}
		return t.branchTo(target)

	case OpBranchDynamic:
		key, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		return t.branchDynamic(key)

	case OpBranchTrue, OpBranchFalse:
		target, ok := t.fetch()
		if !ok {
			t.terminate(ErrBadBranch)
			return true
		}
		cond, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		take := cond != 0
		if e.Kind == OpBranchFalse {
			take = !take
		}
		if !take {
			return false
		}
		return t.branchTo(target)

	case OpCallFunc:
		return t.callFunc(e.FuncIdx, int(e.ArgC))

	case OpCallBuiltin:
		funcID, ok := t.fetch()
		if !ok {
			t.terminate(ErrBadBranch)
			return true
		}
		argc, ok := t.fetch()
		if !ok {
			t.terminate(ErrBadBranch)
			return true
		}
		idx, bound := t.Env.funcBindings[funcID]
		if !bound {
			t.terminate(ErrBadCallFunc)
			return true
		}
		return t.callFunc(idx, int(argc))

	case OpCall:
		return t.call()

	case OpReturn:
		return t.doReturn()

	case OpTerminate:
		t.terminate(nil)
		return true

	case OpRestart:
		args := append([]Word(nil), t.LocalReg...)
		scope, scr := t.ScopeMap, t.Script
		t.terminate(nil)
		if scope != nil && scr != nil {
			scope.ScriptStartForced(scr, args)
		}
		return true

	case OpSuspend:
		ticks, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		if ticks == 0 {
			return false
		}
		t.Delay = int(ticks)
		t.State = ThreadPaused
		return true

	case OpWaitScriptNumber:
		num, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		t.State = ThreadWaitScriptNumber
		if t.ScopeMap != nil {
			t.ScopeMap.registerWaiter(t, ThreadWaitScriptNumber, int(int32(num)))
		}
		return true

	case OpWaitScriptName:
		idx, ok := t.fetch()
		if !ok {
			t.terminate(ErrBadBranch)
			return true
		}
		name := t.localStringContent(idx)
		t.State = ThreadWaitScriptName
		if t.ScopeMap != nil {
			t.ScopeMap.registerWaiter(t, ThreadWaitScriptName, name)
		}
		return true

	case OpWaitTag:
		tag, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		t.State = ThreadWaitTag
		if t.ScopeMap != nil {
			t.ScopeMap.registerWaiter(t, ThreadWaitTag, tag)
		}
		return true

	case OpGetLocalReg, OpSetLocalReg, OpGetMapReg, OpSetMapReg,
		OpGetHubReg, OpSetHubReg, OpGetGlobalReg, OpSetGlobalReg:
		return t.regAccess(e.Kind)

	case OpGetMapArray, OpSetMapArray:
		return t.arrayAccess(e.Kind)

	case OpGetHubArray, OpSetHubArray:
		return t.scopeArrayAccess(e.Kind, OpGetHubArray, t.ScopeHub.Arrays)

	case OpGetGlobalArray, OpSetGlobalArray:
		return t.scopeArrayAccess(e.Kind, OpGetGlobalArray, t.ScopeGlobal.Arrays)

	case OpGetLocalArray, OpSetLocalArray:
		return t.localArrayAccess(e.Kind)

	case OpPrintString:
		idx, ok := t.fetch()
		if !ok {
			t.terminate(ErrBadBranch)
			return true
		}
		t.PrintBuf = append(t.PrintBuf, t.localStringContent(idx)...)
		return false

	case OpPrintNumber:
		v, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		t.PrintBuf = append(t.PrintBuf, strconv.Itoa(int(int32(v)))...)
		return false

	case OpPrintCharacter:
		v, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		t.PrintBuf = append(t.PrintBuf, byte(v))
		return false

	default:
		if t.Env != nil {
			t.Env.Logger.Debug(CatOp, "thread %p: unbound opcode kind %d", t, e.Kind)
		}
		t.terminate(ErrBadCallFunc)
		return true
	}
}

func (t *Thread) localStringContent(localIdx Word) string {
	if t.Module == nil || int(localIdx) >= len(t.Module.StringV) {
		return ""
	}
	s := t.Module.StringV[localIdx]
	if s == nil {
		return ""
	}
	return s.Content()
}

func (t *Thread) branchTo(target Word) bool {
	if int(target) >= len(t.Module.CodeV) {
		t.terminate(ErrBadBranch)
		return true
	}
	t.CodePtr = target
	return false
}

// branchDynamic resolves key through the Module's computed-goto tables
// (JumpMapV binds a literal key to a JumpV index, JumpV holds the
// actual code offset) and branches to the match.
func (t *Thread) branchDynamic(key Word) bool {
	for _, jm := range t.Module.JumpMapV {
		if jm.Value != key {
			continue
		}
		if int(jm.JumpIdx) >= len(t.Module.JumpV) {
			t.terminate(ErrBadBranch)
			return true
		}
		return t.branchTo(t.Module.JumpV[jm.JumpIdx].Offset)
	}
	t.terminate(ErrBadBranch)
	return true
}

func (t *Thread) binaryOp(kind OpKind) bool {
	b, ok1 := t.pop()
	a, ok2 := t.pop()
	if !ok1 || !ok2 {
		t.terminate(ErrStackUnderflow)
		return true
	}
	switch kind {
	case OpAdd:
		t.push(a + b)
	case OpSub:
		t.push(a - b)
	case OpMul:
		t.push(a * b)
	case OpDiv:
		if b == 0 {
			t.terminate(ErrDivideByZero)
			return true
		}
		t.push(a / b)
	case OpMod:
		if b == 0 {
			t.terminate(ErrDivideByZero)
			return true
		}
		t.push(a % b)
	case OpAnd:
		t.push(a & b)
	case OpOr:
		t.push(a | b)
	case OpXor:
		t.push(a ^ b)
	case OpShl:
		t.push(a << (b & 31))
	case OpShr:
		t.push(a >> (b & 31))
	case OpCmpEq:
		t.push(boolWord(a == b))
	case OpCmpNe:
		t.push(boolWord(a != b))
	case OpCmpLt:
		t.push(boolWord(int32(a) < int32(b)))
	case OpCmpLe:
		t.push(boolWord(int32(a) <= int32(b)))
	case OpCmpGt:
		t.push(boolWord(int32(a) > int32(b)))
	case OpCmpGe:
		t.push(boolWord(int32(a) >= int32(b)))
	}
	return false
}

func boolWord(b bool) Word {
	if b {
		return 1
	}
	return 0
}

func (t *Thread) callFunc(idx Word, argc int) bool {
	if int(idx) >= len(t.Env.callFuncs) {
		t.terminate(ErrBadCallFunc)
		return true
	}
	args := make([]Word, argc)
	for i := argc - 1; i >= 0; i-- {
		v, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		args[i] = v
	}
	fn := t.Env.callFuncs[idx]
	yield := fn(t, args)
	return yield
}

func (t *Thread) call() bool {
	funcIdx, ok := t.fetch()
	if !ok {
		t.terminate(ErrBadBranch)
		return true
	}
	if int(funcIdx) >= len(t.Module.FunctionV) {
		t.terminate(ErrBadCallFunc)
		return true
	}
	fn := t.Module.FunctionV[funcIdx]

	if len(t.CallStk) >= maxCallDepth {
		t.terminate(ErrStackOverflow)
		return true
	}

	args := make([]Word, fn.ArgC)
	for i := int(fn.ArgC) - 1; i >= 0; i-- {
		v, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		args[i] = v
	}

	frame := callFrame{
		ReturnAddr:   t.CodePtr,
		LocalRegBase: len(t.LocalReg),
		LocalArrBase: len(t.LocalArr),
		Module:       t.Module,
	}
	t.CallStk = append(t.CallStk, frame)

	newLocals := make([]Word, fn.LocRegC)
	copy(newLocals, args)
	t.LocalReg = append(t.LocalReg, newLocals...)

	t.Module = fn.Module
	t.CodePtr = fn.CodeIdx
	return false
}

func (t *Thread) frameBase() int {
	if n := len(t.CallStk); n > 0 {
		return t.CallStk[n-1].LocalRegBase
	}
	return 0
}

func (t *Thread) frameArrBase() int {
	if n := len(t.CallStk); n > 0 {
		return t.CallStk[n-1].LocalArrBase
	}
	return 0
}

func growWords(s []Word, n int) []Word {
	for len(s) <= n {
		s = append(s, 0)
	}
	return s
}

// regAccess handles every Get/Set register opcode: it reads the
// register index from the next code word, then reads or writes the
// storage the Kind names.
func (t *Thread) regAccess(kind OpKind) bool {
	idx, ok := t.fetch()
	if !ok {
		t.terminate(ErrBadBranch)
		return true
	}

	switch kind {
	case OpGetLocalReg:
		base := t.frameBase()
		if base+int(idx) >= len(t.LocalReg) {
			t.terminate(ErrStackUnderflow)
			return true
		}
		t.push(t.LocalReg[base+int(idx)])
	case OpSetLocalReg:
		v, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		base := t.frameBase()
		if base+int(idx) >= len(t.LocalReg) {
			t.terminate(ErrStackUnderflow)
			return true
		}
		t.LocalReg[base+int(idx)] = v

	case OpGetMapReg:
		if ref := t.mapRegTarget(idx); ref != nil {
			t.push(ref.ms.Registers[ref.idx])
		} else if t.ScopeModule == nil || int(idx) >= len(t.ScopeModule.Registers) {
			t.push(0)
		} else {
			t.push(t.ScopeModule.Registers[idx])
		}
	case OpSetMapReg:
		v, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		if ref := t.mapRegTarget(idx); ref != nil {
			ref.ms.Registers[ref.idx] = v
		} else if t.ScopeModule != nil && int(idx) < len(t.ScopeModule.Registers) {
			t.ScopeModule.Registers[idx] = v
		}

	case OpGetHubReg:
		if t.ScopeHub == nil || int(idx) >= len(t.ScopeHub.Registers) {
			t.push(0)
		} else {
			t.push(t.ScopeHub.Registers[idx])
		}
	case OpSetHubReg:
		v, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		if t.ScopeHub != nil {
			t.ScopeHub.Registers = growWords(t.ScopeHub.Registers, int(idx))
			t.ScopeHub.Registers[idx] = v
		}

	case OpGetGlobalReg:
		if t.ScopeGlobal == nil || int(idx) >= len(t.ScopeGlobal.Registers) {
			t.push(0)
		} else {
			t.push(t.ScopeGlobal.Registers[idx])
		}
	case OpSetGlobalReg:
		v, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		if t.ScopeGlobal != nil {
			t.ScopeGlobal.Registers = growWords(t.ScopeGlobal.Registers, int(idx))
			t.ScopeGlobal.Registers[idx] = v
		}
	}
	return false
}

// arrayAccess handles Get/SetMapArray: the array index is read from the
// next code word, the element index from the data stack. An imported
// array index redirects to the exporting module's storage.
func (t *Thread) arrayAccess(kind OpKind) bool {
	arrIdx, ok := t.fetch()
	if !ok {
		t.terminate(ErrBadBranch)
		return true
	}

	ms := t.ScopeModule
	arrIdxEff := arrIdx
	if ref := t.mapArrTarget(arrIdx); ref != nil {
		ms = ref.ms
		arrIdxEff = ref.idx
	}

	switch kind {
	case OpGetMapArray:
		elemIdx, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		if ms == nil || int(arrIdxEff) >= len(ms.Arrays) {
			t.push(0)
			return false
		}
		arr := ms.Arrays[arrIdxEff]
		if int(elemIdx) >= len(arr) {
			t.push(0)
			return false
		}
		t.push(arr[elemIdx])

	case OpSetMapArray:
		value, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		elemIdx, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		if ms == nil || int(arrIdxEff) >= len(ms.Arrays) {
			return false
		}
		arr := ms.Arrays[arrIdxEff]
		if int(elemIdx) >= len(arr) {
			return false
		}
		arr[elemIdx] = value
	}
	return false
}

// scopeArrayAccess reads or writes one element of a Global- or Hub-owned
// array. Unlike a module's own Arrays (a fixed-size slice sized at load
// time), Global/Hub arrays are a sparse map keyed by array index with no
// static size table, so a Set past the current length grows that one
// array in place.
func (t *Thread) scopeArrayAccess(kind, getKind OpKind, arrays map[Word][]Word) bool {
	arrIdx, ok := t.fetch()
	if !ok {
		t.terminate(ErrBadBranch)
		return true
	}

	if kind == getKind {
		elemIdx, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		arr := arrays[arrIdx]
		if int(elemIdx) >= len(arr) {
			t.push(0)
			return false
		}
		t.push(arr[elemIdx])
		return false
	}

	value, ok := t.pop()
	if !ok {
		t.terminate(ErrStackUnderflow)
		return true
	}
	elemIdx, ok := t.pop()
	if !ok {
		t.terminate(ErrStackUnderflow)
		return true
	}
	arr := arrays[arrIdx]
	if int(elemIdx) >= len(arr) {
		grown := make([]Word, elemIdx+1)
		copy(grown, arr)
		arr = grown
	}
	arr[elemIdx] = value
	arrays[arrIdx] = arr
	return false
}

// localArrayAccess reads or writes one element of a thread-local array,
// addressed relative to the current call frame the same way
// OpGetLocalReg/OpSetLocalReg address LocalReg.
func (t *Thread) localArrayAccess(kind OpKind) bool {
	arrIdx, ok := t.fetch()
	if !ok {
		t.terminate(ErrBadBranch)
		return true
	}
	slot := t.frameArrBase() + int(arrIdx)

	if kind == OpGetLocalArray {
		elemIdx, ok := t.pop()
		if !ok {
			t.terminate(ErrStackUnderflow)
			return true
		}
		if slot >= len(t.LocalArr) {
			t.push(0)
			return false
		}
		arr := t.LocalArr[slot]
		if int(elemIdx) >= len(arr) {
			t.push(0)
			return false
		}
		t.push(arr[elemIdx])
		return false
	}

	value, ok := t.pop()
	if !ok {
		t.terminate(ErrStackUnderflow)
		return true
	}
	elemIdx, ok := t.pop()
	if !ok {
		t.terminate(ErrStackUnderflow)
		return true
	}
	if slot >= len(t.LocalArr) {
		return false
	}
	arr := t.LocalArr[slot]
	if int(elemIdx) >= len(arr) {
		grown := make([]Word, elemIdx+1)
		copy(grown, arr)
		arr = grown
	}
	arr[elemIdx] = value
	t.LocalArr[slot] = arr
	return false
}

func (t *Thread) mapRegTarget(idx Word) *regRef {
	if t.ScopeModule == nil || int(idx) >= len(t.ScopeModule.regImportTarget) {
		return nil
	}
	return t.ScopeModule.regImportTarget[idx]
}

func (t *Thread) mapArrTarget(idx Word) *regRef {
	if t.ScopeModule == nil || int(idx) >= len(t.ScopeModule.arrImportTarget) {
		return nil
	}
	return t.ScopeModule.arrImportTarget[idx]
}

func (t *Thread) doReturn() bool {
	if len(t.CallStk) == 0 {
		t.terminate(nil)
		return true
	}
	n := len(t.CallStk)
	frame := t.CallStk[n-1]
	t.CallStk = t.CallStk[:n-1]
	t.LocalReg = t.LocalReg[:frame.LocalRegBase]
	t.LocalArr = t.LocalArr[:frame.LocalArrBase]
	t.Module = frame.Module
	t.CodePtr = frame.ReturnAddr
	return false
}
