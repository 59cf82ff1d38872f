package acsvm

import "testing"

func newTestMapScope(env *Environment) *MapScope {
	env.Global.Active = true
	hub := env.Global.GetHub(0)
	hub.Active = true
	m := hub.GetMap(0)
	m.Active = true
	return m
}

func TestAddModuleResolvesRegisterImport(t *testing.T) {
	env := NewEnvironment(nil, nil)
	m := newTestMapScope(env)

	xName := env.Strings.Intern([]byte("x"))
	env.Strings.Retain(xName)

	modA := NewModule(env, env.GetModuleName("a.o"))
	modA.Loaded = true
	modA.RegNameV = []*String{xName}
	modA.RegInitV = []WordInit{{RegIdx: 0, Value: 7}}

	modB := NewModule(env, env.GetModuleName("b.o"))
	modB.Loaded = true
	modB.RegImpV = []*String{xName}

	if err := m.AddModule(modA); err != nil {
		t.Fatalf("AddModule(A): %v", err)
	}
	if err := m.AddModule(modB); err != nil {
		t.Fatalf("AddModule(B): %v", err)
	}

	msB := m.modules[modB]
	if len(msB.regImportTarget) != 1 || msB.regImportTarget[0] == nil {
		t.Fatalf("B's import was not wired: %+v", msB.regImportTarget)
	}
	msA := m.modules[modA]
	if msB.regImportTarget[0].ms != msA || msB.regImportTarget[0].idx != 0 {
		t.Fatalf("import bound to the wrong slot: %+v", msB.regImportTarget[0])
	}
	if msA.Registers[0] != 7 {
		t.Fatalf("exporting module's own initializer did not apply: got %d", msA.Registers[0])
	}
}

func TestAddModuleUnresolvedImportFails(t *testing.T) {
	env := NewEnvironment(nil, nil)
	m := newTestMapScope(env)

	missing := env.Strings.Intern([]byte("nowhere"))
	env.Strings.Retain(missing)

	mod := NewModule(env, env.GetModuleName("solo.o"))
	mod.Loaded = true
	mod.RegImpV = []*String{missing}

	if err := m.AddModule(mod); err != ErrUnresolvedImport {
		t.Fatalf("expected ErrUnresolvedImport, got %v", err)
	}
}

func TestScriptStartPauseStopResume(t *testing.T) {
	env := NewEnvironment(nil, nil)
	env.AddCodeDataACS0(1, CodeData{Kind: OpNop})
	m := newTestMapScope(env)

	mod := NewModule(env, env.GetModuleName("m.o"))
	mod.Loaded = true
	mod.CodeV = []Word{1, 1, 1}
	scr := &Script{Number: 1, Type: ScriptTypeOpen, Module: mod}
	mod.ScriptV = []*Script{scr}

	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}

	started := m.ScriptStartType(ScriptTypeOpen, nil)
	if len(started) != 1 {
		t.Fatalf("expected 1 started thread, got %d", len(started))
	}
	th := started[0]
	if th.State != ThreadRunning {
		t.Fatalf("expected Running after start, got %v", th.State)
	}

	if !m.ScriptPause(1) {
		t.Fatalf("ScriptPause on live script returned false")
	}
	if th.State != ThreadPaused {
		t.Fatalf("expected Paused, got %v", th.State)
	}

	if !m.ScriptResume(1) {
		t.Fatalf("ScriptResume on paused script returned false")
	}
	if th.State != ThreadRunning {
		t.Fatalf("expected Running after resume, got %v", th.State)
	}

	if !m.ScriptStop(1) {
		t.Fatalf("ScriptStop on live script returned false")
	}
	if th.State != ThreadInactive {
		t.Fatalf("expected Inactive after stop, got %v", th.State)
	}
	if len(m.threads) != 0 {
		t.Fatalf("expected thread released from the active slice, got %d", len(m.threads))
	}
}

func TestDelayedStartPromotion(t *testing.T) {
	env := NewEnvironment(nil, nil)
	m := newTestMapScope(env)

	mod := NewModule(env, env.GetModuleName("m.o"))
	mod.Loaded = true
	mod.CodeV = []Word{0}
	scr := &Script{Number: 2, Type: ScriptTypeOpen, Module: mod}
	mod.ScriptV = []*Script{scr}
	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}

	m.scheduleDelayedStart(mod, scr, nil, 2)
	if len(m.threads) != 0 {
		t.Fatalf("script started before its delay elapsed")
	}

	m.advanceDelayedStarts()
	if len(m.threads) != 0 {
		t.Fatalf("script started one tick too early")
	}

	m.advanceDelayedStarts()
	if len(m.threads) != 1 {
		t.Fatalf("expected delayed script to start once its delay elapsed, got %d threads", len(m.threads))
	}
}

func TestWaiterWakesOnTerminate(t *testing.T) {
	env := NewEnvironment(nil, nil)
	m := newTestMapScope(env)

	mod := NewModule(env, env.GetModuleName("m.o"))
	mod.Loaded = true
	mod.CodeV = []Word{0, 0}

	target := &Script{Number: 9, Type: ScriptTypeOpen, Module: mod}
	waiter := &Script{Number: 10, Type: ScriptTypeOpen, Module: mod}
	mod.ScriptV = []*Script{target, waiter}
	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}

	targetThread := m.ScriptStart(target, nil)
	waiterThread := m.ScriptStart(waiter, nil)
	waiterThread.State = ThreadWaitScriptNumber
	m.registerWaiter(waiterThread, ThreadWaitScriptNumber, 9)

	targetThread.terminate(nil)

	if waiterThread.State != ThreadRunning {
		t.Fatalf("expected waiter woken to Running, got %v", waiterThread.State)
	}
}

func TestWaitTagWakesOnMatchingScriptTerminate(t *testing.T) {
	env := NewEnvironment(nil, nil)
	m := newTestMapScope(env)

	mod := NewModule(env, env.GetModuleName("m.o"))
	mod.Loaded = true
	mod.CodeV = []Word{0, 0}

	target := &Script{Number: 9, Type: ScriptTypeOpen, Module: mod}
	waiter := &Script{Number: 10, Type: ScriptTypeOpen, Module: mod}
	mod.ScriptV = []*Script{target, waiter}
	if err := m.AddModule(mod); err != nil {
		t.Fatalf("AddModule: %v", err)
	}

	targetThread := m.ScriptStart(target, nil)
	waiterThread := m.ScriptStart(waiter, nil)
	waiterThread.State = ThreadWaitTag
	m.registerWaiter(waiterThread, ThreadWaitTag, Word(9))

	targetThread.terminate(nil)

	if waiterThread.State != ThreadRunning {
		t.Fatalf("expected tag waiter woken to Running, got %v", waiterThread.State)
	}
}
