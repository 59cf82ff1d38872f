package acsvm

// GlobalScope owns global-level registers/arrays and the HubScopes
// beneath it. Only one exists per Environment.
type GlobalScope struct {
	Env       *Environment
	Active    bool
	Registers []Word
	Arrays    map[Word][]Word

	hubs     map[Word]*HubScope
	hubOrder []Word
}

func newGlobalScope(env *Environment) *GlobalScope {
	return &GlobalScope{
		Env:    env,
		Arrays: make(map[Word][]Word),
		hubs:   make(map[Word]*HubScope),
	}
}

// GetHub returns the HubScope for id, creating it (inactive) if absent.
func (g *GlobalScope) GetHub(id Word) *HubScope {
	if h, ok := g.hubs[id]; ok {
		return h
	}
	h := newHubScope(g, id)
	g.hubs[id] = h
	g.hubOrder = append(g.hubOrder, id)
	return h
}

// HubScope owns hub-level storage and the MapScopes beneath it.
type HubScope struct {
	Global    *GlobalScope
	ID        Word
	Active    bool
	Registers []Word
	Arrays    map[Word][]Word

	maps     map[Word]*MapScope
	mapOrder []Word
}

func newHubScope(g *GlobalScope, id Word) *HubScope {
	return &HubScope{
		Global: g,
		ID:     id,
		Arrays: make(map[Word][]Word),
		maps:   make(map[Word]*MapScope),
	}
}

// GetMap returns the MapScope for id, creating it (inactive) if absent.
func (h *HubScope) GetMap(id Word) *MapScope {
	if m, ok := h.maps[id]; ok {
		return m
	}
	m := newMapScope(h, id)
	h.maps[id] = m
	h.mapOrder = append(h.mapOrder, id)
	return m
}

// scriptKey identifies a live script registration within one MapScope:
// a module plus the script's numeric id or name.
type scriptKey struct {
	Module *Module
	Ident  interface{}
}

// waitKey identifies the condition a thread is blocked on.
type waitKey struct {
	kind  ThreadState // WaitScriptNumber, WaitScriptName, or WaitTag
	ident interface{}
}

type delayedStart struct {
	Module    *Module
	Script    *Script
	Args      []Word
	TicksLeft int
}

// MapScope owns map-level storage, the live script registry, the set of
// active Threads (in stable insertion order), and the delayed-start
// queue.
type MapScope struct {
	Hub       *HubScope
	ID        Word
	Active    bool
	Registers []Word
	Arrays    map[Word][]Word

	modules      map[*Module]*ModuleScope
	moduleOrder  []*Module
	scripts      map[scriptKey]*Script
	threads      []*Thread
	freeThreads  []*Thread
	delayed      []*delayedStart
	waiters      map[waitKey][]*Thread
}

func newMapScope(h *HubScope, id Word) *MapScope {
	return &MapScope{
		Hub:     h,
		ID:      id,
		Arrays:  make(map[Word][]Word),
		modules: make(map[*Module]*ModuleScope),
		scripts: make(map[scriptKey]*Script),
		waiters: make(map[waitKey][]*Thread),
	}
}

// ModuleScope is the per-map, per-module storage for one Module's
// registers and arrays.
type ModuleScope struct {
	Map       *MapScope
	Module    *Module
	Registers []Word
	Arrays    [][]Word

	// regImportTarget/arrImportTarget redirect an imported slot to the
	// exporting module's own storage; nil means the slot is locally
	// owned. Indexed in parallel with Registers/Arrays.
	regImportTarget []*regRef
	arrImportTarget []*regRef
}

// regRef names one register or array slot owned by another module's
// ModuleScope, the destination of an MIMP/AIMP import binding.
type regRef struct {
	ms  *ModuleScope
	idx Word
}

// AddModule binds a loaded module into this map: allocates its register
// and array storage, applies its static initializers, resolves its
// imports against modules already added to this map, and registers its
// scripts into the map's script lookup.
func (m *MapScope) AddModule(mod *Module) error {
	if !mod.Loaded {
		return ErrReadError
	}
	if _, ok := m.modules[mod]; ok {
		return nil
	}

	regCount := len(mod.RegNameV)
	if len(mod.RegImpV) > regCount {
		regCount = len(mod.RegImpV)
	}
	arrCount := len(mod.ArrSizeV)
	if len(mod.ArrImpV) > arrCount {
		arrCount = len(mod.ArrImpV)
	}

	ms := &ModuleScope{
		Map:             m,
		Module:          mod,
		Registers:       make([]Word, regCount),
		Arrays:          make([][]Word, arrCount),
		regImportTarget: make([]*regRef, regCount),
		arrImportTarget: make([]*regRef, arrCount),
	}
	for i, size := range mod.ArrSizeV {
		ms.Arrays[i] = make([]Word, size)
	}
	for _, init := range mod.RegInitV {
		if int(init.RegIdx) < len(ms.Registers) {
			ms.Registers[init.RegIdx] = init.Value
		}
	}
	for _, init := range mod.ArrInitV {
		if int(init.ArrayIdx) < len(ms.Arrays) {
			arr := ms.Arrays[init.ArrayIdx]
			for i, v := range init.Values {
				if i < len(arr) {
					arr[i] = v
				}
			}
		}
	}

	m.modules[mod] = ms
	m.moduleOrder = append(m.moduleOrder, mod)

	if err := m.resolveImports(mod); err != nil {
		return err
	}

	for _, scr := range mod.ScriptV {
		m.scripts[scriptKey{Module: mod, Ident: scr.Ident()}] = scr
	}
	return nil
}

// resolveImports looks up mod's register/array imports by name against
// every module already added to this map (including mod's own exports,
// which is harmless since a module never imports its own names), and
// binds each resolved import to the exporting module's storage so a
// read or write through the importing module sees the same value.
func (m *MapScope) resolveImports(mod *Module) error {
	ms := m.modules[mod]
	for idx, impName := range mod.RegImpV {
		if impName == nil {
			continue
		}
		target, ok := m.findRegisterExport(impName.Content())
		if !ok {
			return ErrUnresolvedImport
		}
		ms.regImportTarget[idx] = target
	}
	for idx, impName := range mod.ArrImpV {
		if impName == nil {
			continue
		}
		target, ok := m.findArrayExport(impName.Content())
		if !ok {
			return ErrUnresolvedImport
		}
		ms.arrImportTarget[idx] = target
	}
	return nil
}

func (m *MapScope) findRegisterExport(name string) (*regRef, bool) {
	for _, other := range m.moduleOrder {
		for idx, exp := range other.RegNameV {
			if exp != nil && exp.Content() == name {
				return &regRef{ms: m.modules[other], idx: Word(idx)}, true
			}
		}
	}
	return nil, false
}

func (m *MapScope) findArrayExport(name string) (*regRef, bool) {
	for _, other := range m.moduleOrder {
		for idx, exp := range other.ArrNameV {
			if exp != nil && exp.Content() == name {
				return &regRef{ms: m.modules[other], idx: Word(idx)}, true
			}
		}
	}
	return nil, false
}

// moduleScopeFor returns mod's own register/array storage within this
// map. Imported slots are redirected per access by Thread.mapRegTarget
// and Thread.mapArrTarget, not here.
func (m *MapScope) moduleScopeFor(mod *Module) *ModuleScope {
	return m.modules[mod]
}

// allocThread pops a pooled Thread or allocates a new one.
func (m *MapScope) allocThread() *Thread {
	if n := len(m.freeThreads); n > 0 {
		t := m.freeThreads[n-1]
		m.freeThreads = m.freeThreads[:n-1]
		return t
	}
	return &Thread{}
}

// ScriptStart starts scr with the given arguments, returning the new
// Thread.
func (m *MapScope) ScriptStart(scr *Script, args []Word) *Thread {
	t := m.allocThread()
	t.start(m, scr, args)
	m.threads = append(m.threads, t)
	return t
}

// ScriptStartType starts every script of the given type in every
// module added to this map, e.g. all Open scripts when the map becomes
// active.
func (m *MapScope) ScriptStartType(typ ScriptType, args []Word) []*Thread {
	var started []*Thread
	for _, mod := range m.moduleOrder {
		for _, scr := range mod.ScriptV {
			if scr.Type == typ {
				started = append(started, m.ScriptStart(scr, args))
			}
		}
	}
	return started
}

// ScriptStartForced starts scr even if an instance is already running,
// used by delayed-start promotion and host-forced restarts.
func (m *MapScope) ScriptStartForced(scr *Script, args []Word) *Thread {
	return m.ScriptStart(scr, args)
}

func (m *MapScope) findLive(ident interface{}) *Thread {
	for _, t := range m.threads {
		if t.Script != nil && t.Script.Ident() == ident && t.State != ThreadInactive {
			return t
		}
	}
	return nil
}

// ScriptPause transitions the live thread for ident to Paused without
// clearing its delay.
func (m *MapScope) ScriptPause(ident interface{}) bool {
	t := m.findLive(ident)
	if t == nil {
		return false
	}
	t.State = ThreadPaused
	return true
}

// ScriptStop terminates the live thread for ident.
func (m *MapScope) ScriptStop(ident interface{}) bool {
	t := m.findLive(ident)
	if t == nil {
		return false
	}
	t.terminate(nil)
	return true
}

// ScriptResume transitions a Paused thread for ident back to Running.
func (m *MapScope) ScriptResume(ident interface{}) bool {
	t := m.findLive(ident)
	if t == nil || t.State != ThreadPaused {
		return false
	}
	t.State = ThreadRunning
	return true
}

// scheduleDelayedStart enqueues scr to start after delayTicks further
// ticks.
func (m *MapScope) scheduleDelayedStart(mod *Module, scr *Script, args []Word, delayTicks int) {
	m.delayed = append(m.delayed, &delayedStart{Module: mod, Script: scr, Args: args, TicksLeft: delayTicks})
}

// advanceDelayedStarts decrements every queued delayed start and
// promotes the ones whose delay has elapsed.
func (m *MapScope) advanceDelayedStarts() {
	remaining := m.delayed[:0]
	for _, d := range m.delayed {
		d.TicksLeft--
		if d.TicksLeft <= 0 {
			m.ScriptStartForced(d.Script, d.Args)
			continue
		}
		remaining = append(remaining, d)
	}
	m.delayed = remaining
}

// wake resumes every thread waiting on kind/ident, transitioning each
// from its wait state to Running.
func (m *MapScope) wake(kind ThreadState, ident interface{}) {
	key := waitKey{kind: kind, ident: ident}
	waiting := m.waiters[key]
	if len(waiting) == 0 {
		return
	}
	for _, t := range waiting {
		if t.State == kind {
			t.State = ThreadRunning
		}
	}
	delete(m.waiters, key)
}

// registerWaiter records that t is blocked on kind/ident so a later
// wake() call can find it.
func (m *MapScope) registerWaiter(t *Thread, kind ThreadState, ident interface{}) {
	key := waitKey{kind: kind, ident: ident}
	m.waiters[key] = append(m.waiters[key], t)
}

// releaseThread returns t to the free pool and drops it from the active
// slice.
func (m *MapScope) releaseThread(t *Thread) {
	for i, live := range m.threads {
		if live == t {
			m.threads = append(m.threads[:i], m.threads[i+1:]...)
			break
		}
	}
	t.reset()
	m.freeThreads = append(m.freeThreads, t)
}
