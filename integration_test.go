package acsvm

import (
	"bytes"
	"testing"
)

// TestPrintFlush exercises a script that builds a string in its print
// buffer and flushes it through a host call-func, matching the
// "hi\n" end-to-end scenario.
func TestPrintFlush(t *testing.T) {
	env := NewEnvironment(nil, nil)
	var output string
	endPrint := env.AddCallFunc(func(th *Thread, _ []Word) bool {
		output = string(th.PrintBuf)
		th.PrintBuf = th.PrintBuf[:0]
		return false
	})
	env.AddCodeDataACS0(1, CodeData{Kind: OpPrintString})
	env.AddCodeDataACS0(2, CodeData{Kind: OpCallFunc, FuncIdx: endPrint, ArgC: 0})
	env.AddCodeDataACS0(3, CodeData{Kind: OpTerminate})

	m := newTestMapScope(env)

	mod := NewModule(env, env.GetModuleName("print.o"))
	mod.Loaded = true
	s := env.Strings.Intern([]byte("hi\n"))
	env.Strings.Retain(s)
	mod.StringV = []*String{s}
	mod.CodeV = []Word{1, 0, 2, 3}
	mod.ScriptV = []*Script{{Number: 1, Type: ScriptTypeOpen, CodeIdx: 0, Module: mod}}

	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	m.ScriptStart(mod.ScriptV[0], nil)

	if err := env.Exec(); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if output != "hi\n" {
		t.Fatalf("expected flushed output %q, got %q", "hi\n", output)
	}
}

// buildDelayModule constructs and registers a module directly (bypassing
// Environment.GetModule, which would need a LoadModule callback) so
// SaveState can still enumerate it through e.moduleOrder.
func buildDelayModule(env *Environment) *Module {
	name := env.GetModuleName("delay.o")
	mod := NewModule(env, name)
	mod.Loaded = true
	mod.CodeV = []Word{1, 3, 2, 3}
	mod.ScriptV = []*Script{{Number: 1, Type: ScriptTypeOpen, CodeIdx: 0, Module: mod}}

	env.modules[name] = mod
	env.modulesByText[name.Text] = mod
	env.moduleOrder = append(env.moduleOrder, name)
	return mod
}

func bindDelayOps(env *Environment) {
	env.AddCodeDataACS0(1, CodeData{Kind: OpPushConst})
	env.AddCodeDataACS0(2, CodeData{Kind: OpSuspend})
	env.AddCodeDataACS0(3, CodeData{Kind: OpTerminate})
}

// TestDelayThenTerminateTiming covers the suspend/resume/terminate
// timing scenario: a script that pushes a 3-tick delay, suspends, and
// terminates once it wakes.
func TestDelayThenTerminateTiming(t *testing.T) {
	env := NewEnvironment(nil, nil)
	bindDelayOps(env)
	m := newTestMapScope(env)

	mod := buildDelayModule(env)
	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	th := m.ScriptStart(mod.ScriptV[0], nil)

	if err := env.Exec(); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if th.State != ThreadPaused || th.Delay != 2 {
		t.Fatalf("after tick 1: expected Paused/delay=2, got %v/delay=%d", th.State, th.Delay)
	}

	if err := env.Exec(); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if th.State != ThreadPaused || th.Delay != 1 {
		t.Fatalf("after tick 2: expected Paused/delay=1, got %v/delay=%d", th.State, th.Delay)
	}

	if err := env.Exec(); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if th.State != ThreadRunning || th.Delay != 0 {
		t.Fatalf("after tick 3: expected Running/delay=0, got %v/delay=%d", th.State, th.Delay)
	}

	if err := env.Exec(); err != nil {
		t.Fatalf("tick 4: %v", err)
	}
	if th.State != ThreadInactive {
		t.Fatalf("after tick 4: expected Inactive, got %v", th.State)
	}
}

// TestCrossModuleRegisterImport confirms that a write through an
// imported register slot is visible to the exporting module's own
// script, via real bytecode execution rather than direct field pokes.
func TestCrossModuleRegisterImport(t *testing.T) {
	env := NewEnvironment(nil, nil)
	var captured Word
	capture := env.AddCallFunc(func(th *Thread, args []Word) bool {
		captured = args[0]
		return false
	})
	env.AddCodeDataACS0(1, CodeData{Kind: OpPushConst})
	env.AddCodeDataACS0(2, CodeData{Kind: OpSetMapReg})
	env.AddCodeDataACS0(3, CodeData{Kind: OpGetMapReg})
	env.AddCodeDataACS0(4, CodeData{Kind: OpCallFunc, FuncIdx: capture, ArgC: 1})
	env.AddCodeDataACS0(5, CodeData{Kind: OpTerminate})

	m := newTestMapScope(env)

	xName := env.Strings.Intern([]byte("x"))
	env.Strings.Retain(xName)

	modA := NewModule(env, env.GetModuleName("a.o"))
	modA.Loaded = true
	modA.RegNameV = []*String{xName}
	// GetMapReg 0, CallFunc(capture, 1), Terminate.
	modA.CodeV = []Word{3, 0, 4, 5}
	scrA := &Script{Number: 1, Type: ScriptTypeOpen, CodeIdx: 0, Module: modA}
	modA.ScriptV = []*Script{scrA}

	modB := NewModule(env, env.GetModuleName("b.o"))
	modB.Loaded = true
	modB.RegImpV = []*String{xName}
	// PushConst 42, SetMapReg 0, Terminate.
	modB.CodeV = []Word{1, 42, 2, 0, 5}
	scrB := &Script{Number: 2, Type: ScriptTypeOpen, CodeIdx: 0, Module: modB}
	modB.ScriptV = []*Script{scrB}

	if err := m.AddModule(modA); err != nil {
		t.Fatalf("AddModule(A): %v", err)
	}
	if err := m.AddModule(modB); err != nil {
		t.Fatalf("AddModule(B): %v", err)
	}

	// Run B's write to completion first, then A's read, so the import
	// is observed after the value has actually changed.
	m.ScriptStart(scrB, nil)
	if err := env.Exec(); err != nil {
		t.Fatalf("exec B: %v", err)
	}
	m.ScriptStart(scrA, nil)
	if err := env.Exec(); err != nil {
		t.Fatalf("exec A: %v", err)
	}

	if captured != 42 {
		t.Fatalf("expected imported register to read back 42, got %d", captured)
	}
}

// TestDivideByZeroFaultsOnlyThatThread confirms a divide-by-zero fault
// terminates the offending thread within one step while leaving a
// sibling thread running.
func TestDivideByZeroFaultsOnlyThatThread(t *testing.T) {
	env := NewEnvironment(nil, nil)
	var faulted error
	env.OnThreadFault = func(_ *Thread, err error) { faulted = err }

	env.AddCodeDataACS0(1, CodeData{Kind: OpPushConst})
	env.AddCodeDataACS0(2, CodeData{Kind: OpDiv})
	env.AddCodeDataACS0(3, CodeData{Kind: OpNop})
	env.AddCodeDataACS0(4, CodeData{Kind: OpBranch})

	m := newTestMapScope(env)

	mod := NewModule(env, env.GetModuleName("div.o"))
	mod.Loaded = true
	// 10 / 0, at word 0.
	badScr := &Script{Number: 1, Type: ScriptTypeOpen, CodeIdx: 0, Module: mod}
	// A tight Nop/Branch loop, at word 5, so the sibling thread is still
	// Running once its instruction budget for this tick runs out.
	okScr := &Script{Number: 2, Type: ScriptTypeOpen, CodeIdx: 5, Module: mod}
	mod.CodeV = []Word{1, 10, 1, 0, 2, 3, 4, 5}
	mod.ScriptV = []*Script{badScr, okScr}

	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	badThread := m.ScriptStart(badScr, nil)
	okThread := m.ScriptStart(okScr, nil)

	if err := env.Exec(); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if badThread.State != ThreadInactive {
		t.Fatalf("expected divide-by-zero thread Inactive, got %v", badThread.State)
	}
	if faulted != ErrDivideByZero {
		t.Fatalf("expected OnThreadFault to observe ErrDivideByZero, got %v", faulted)
	}
	if okThread.State != ThreadRunning {
		t.Fatalf("sibling thread should remain Running, got %v", okThread.State)
	}
}

// TestGlobalHubLocalArrayAccess exercises the global/hub/local array
// opcodes end to end: each scope's array is written through its Set
// opcode and read back through its Get opcode within the same thread.
func TestGlobalHubLocalArrayAccess(t *testing.T) {
	env := NewEnvironment(nil, nil)
	var captured []Word
	capture := env.AddCallFunc(func(th *Thread, args []Word) bool {
		captured = append(captured, args[0])
		return false
	})
	env.AddCodeDataACS0(1, CodeData{Kind: OpPushConst})
	env.AddCodeDataACS0(2, CodeData{Kind: OpSetGlobalArray})
	env.AddCodeDataACS0(3, CodeData{Kind: OpGetGlobalArray})
	env.AddCodeDataACS0(4, CodeData{Kind: OpSetHubArray})
	env.AddCodeDataACS0(5, CodeData{Kind: OpGetHubArray})
	env.AddCodeDataACS0(6, CodeData{Kind: OpSetLocalArray})
	env.AddCodeDataACS0(7, CodeData{Kind: OpGetLocalArray})
	env.AddCodeDataACS0(8, CodeData{Kind: OpCallFunc, FuncIdx: capture, ArgC: 1})
	env.AddCodeDataACS0(9, CodeData{Kind: OpTerminate})

	m := newTestMapScope(env)

	mod := NewModule(env, env.GetModuleName("arrays.o"))
	mod.Loaded = true
	mod.CodeV = []Word{
		1, 0, 1, 111, 2, 0, 1, 0, 3, 0, 8,
		1, 0, 1, 222, 4, 0, 1, 0, 5, 0, 8,
		1, 0, 1, 333, 6, 0, 1, 0, 7, 0, 8,
		9,
	}
	scr := &Script{Number: 1, Type: ScriptTypeOpen, CodeIdx: 0, LocArrC: 1, Module: mod}
	mod.ScriptV = []*Script{scr}

	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	m.ScriptStart(scr, nil)

	if err := env.Exec(); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	want := []Word{111, 222, 333}
	if len(captured) != len(want) {
		t.Fatalf("expected %d captures, got %v", len(want), captured)
	}
	for i, w := range want {
		if captured[i] != w {
			t.Fatalf("capture %d: expected %d, got %d", i, w, captured[i])
		}
	}
}

// TestBranchDynamicJumpsToMappedTarget confirms a dynamic branch
// resolves its key through JumpMapV/JumpV rather than an inline target.
func TestBranchDynamicJumpsToMappedTarget(t *testing.T) {
	env := NewEnvironment(nil, nil)
	var captured Word
	capture := env.AddCallFunc(func(th *Thread, args []Word) bool {
		captured = args[0]
		return false
	})
	env.AddCodeDataACS0(1, CodeData{Kind: OpPushConst})
	env.AddCodeDataACS0(2, CodeData{Kind: OpBranchDynamic})
	env.AddCodeDataACS0(5, CodeData{Kind: OpCallFunc, FuncIdx: capture, ArgC: 1})
	env.AddCodeDataACS0(3, CodeData{Kind: OpTerminate})

	m := newTestMapScope(env)

	mod := NewModule(env, env.GetModuleName("dynjump.o"))
	mod.Loaded = true
	// word 3 is the dynamic-branch target, landing on a push-then-call
	// that marks success before terminating.
	mod.CodeV = []Word{1, 42, 2, 1, 1, 5, 3}
	mod.JumpV = []Jump{{Offset: 3}}
	mod.JumpMapV = []JumpMap{{Value: 42, JumpIdx: 0}}
	scr := &Script{Number: 1, Type: ScriptTypeOpen, CodeIdx: 0, Module: mod}
	mod.ScriptV = []*Script{scr}

	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	m.ScriptStart(scr, nil)

	if err := env.Exec(); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if captured != 1 {
		t.Fatalf("expected the dynamic branch's target to run, got captured=%d", captured)
	}
}

// TestSaveLoadResumesAtSameLogicalTick exercises a save taken mid-delay,
// loaded into a fresh Environment, confirming the restored thread
// reaches Inactive at the same number of further ticks the original
// would have taken.
func TestSaveLoadResumesAtSameLogicalTick(t *testing.T) {
	orig := NewEnvironment(nil, nil)
	bindDelayOps(orig)
	m := newTestMapScope(orig)
	mod := buildDelayModule(orig)
	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	m.ScriptStart(mod.ScriptV[0], nil)

	if err := orig.Exec(); err != nil { // tick 1: Paused, delay=2
		t.Fatalf("tick 1: %v", err)
	}

	var buf bytes.Buffer
	if err := orig.SaveState(&buf); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	fresh := NewEnvironment(nil, nil)
	bindDelayOps(fresh)
	fresh.LoadModule = func(mod *Module) error {
		mod.CodeV = []Word{1, 3, 2, 3}
		mod.ScriptV = []*Script{{Number: 1, Type: ScriptTypeOpen, CodeIdx: 0, Module: mod}}
		mod.Loaded = true
		return nil
	}

	if err := fresh.LoadState(&buf); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	freshMap := fresh.Global.GetHub(0).GetMap(0)
	if len(freshMap.threads) != 1 {
		t.Fatalf("expected 1 restored thread, got %d", len(freshMap.threads))
	}
	restored := freshMap.threads[0]
	if restored.State != ThreadPaused || restored.Delay != 2 {
		t.Fatalf("restored thread mismatch: state=%v delay=%d", restored.State, restored.Delay)
	}

	// Three more ticks mirror the original run's tick 2, 3, and 4.
	for i := 0; i < 3; i++ {
		if err := fresh.Exec(); err != nil {
			t.Fatalf("post-load tick %d: %v", i+2, err)
		}
	}
	if restored.State != ThreadInactive {
		t.Fatalf("expected restored thread Inactive after 3 more ticks, got %v", restored.State)
	}
}
