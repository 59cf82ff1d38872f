package acsvm

// On-wire shapes for Environment.SaveState/LoadState, beyond the
// string table handled directly by StringTable.SaveState/LoadState.

type stateModuleEntry struct {
	Text string `cbor:"text"`
}

type stateArrayEntry struct {
	Idx    Word   `cbor:"idx"`
	Values []Word `cbor:"values"`
}

type stateModuleScope struct {
	ModuleText string            `cbor:"module"`
	Registers  []Word            `cbor:"registers"`
	Arrays     []stateArrayEntry `cbor:"arrays"`
}

type stateCallFrame struct {
	ReturnAddr   Word   `cbor:"ret"`
	LocalRegBase int    `cbor:"regbase"`
	LocalArrBase int    `cbor:"arrbase"`
	ModuleText   string `cbor:"module"`
}

type stateThread struct {
	ModuleText  string           `cbor:"module"`
	HasName     bool             `cbor:"has_name"`
	ScriptName  string           `cbor:"script_name"`
	ScriptNum   int              `cbor:"script_num"`
	CodePtr     Word             `cbor:"code_ptr"`
	DataStk     []Word           `cbor:"data_stk"`
	LocalReg    []Word           `cbor:"local_reg"`
	LocalArr    [][]Word         `cbor:"local_arr"`
	PrintBuf    []byte           `cbor:"print_buf"`
	Delay       int              `cbor:"delay"`
	Result      Word             `cbor:"result"`
	State       int              `cbor:"state"`
	CallStk     []stateCallFrame `cbor:"call_stk"`
}

type stateMapScope struct {
	ID           Word               `cbor:"id"`
	Active       bool               `cbor:"active"`
	Registers    []Word             `cbor:"registers"`
	Arrays       []stateArrayEntry  `cbor:"arrays"`
	ModuleOrder  []string           `cbor:"module_order"`
	ModuleScopes []stateModuleScope `cbor:"module_scopes"`
	Threads      []stateThread      `cbor:"threads"`
}

type stateHubScope struct {
	ID        Word              `cbor:"id"`
	Active    bool              `cbor:"active"`
	Registers []Word            `cbor:"registers"`
	Arrays    []stateArrayEntry `cbor:"arrays"`
	Maps      []stateMapScope   `cbor:"maps"`
}

type stateGlobalScope struct {
	Active    bool              `cbor:"active"`
	Registers []Word            `cbor:"registers"`
	Arrays    []stateArrayEntry `cbor:"arrays"`
	Hubs      []stateHubScope   `cbor:"hubs"`
}

func arrayMapToEntries(m map[Word][]Word) []stateArrayEntry {
	entries := make([]stateArrayEntry, 0, len(m))
	for idx, vals := range m {
		// vals[:0:0] keeps an empty array empty rather than nil.
		entries = append(entries, stateArrayEntry{Idx: idx, Values: append(vals[:0:0], vals...)})
	}
	return entries
}

func entriesToArrayMap(entries []stateArrayEntry) map[Word][]Word {
	m := make(map[Word][]Word, len(entries))
	for _, e := range entries {
		m[e.Idx] = e.Values
	}
	return m
}

func (e *Environment) saveModules(enc *stateEncoder) error {
	entries := make([]stateModuleEntry, 0, len(e.moduleOrder))
	for _, name := range e.moduleOrder {
		entries = append(entries, stateModuleEntry{Text: name.Text})
	}
	return enc.encode("modules", entries)
}

func (e *Environment) loadModules(dec *stateDecoder) error {
	var entries []stateModuleEntry
	if err := dec.decode("modules", &entries); err != nil {
		return err
	}
	for _, entry := range entries {
		if _, err := e.GetModule(ModuleName{Text: entry.Text}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) saveScopes(enc *stateEncoder) error {
	g := e.Global
	snap := stateGlobalScope{
		Active:    g.Active,
		Registers: append([]Word(nil), g.Registers...),
		Arrays:    arrayMapToEntries(g.Arrays),
	}
	for _, hubID := range g.hubOrder {
		hub := g.hubs[hubID]
		hubSnap := stateHubScope{
			ID:        hub.ID,
			Active:    hub.Active,
			Registers: append([]Word(nil), hub.Registers...),
			Arrays:    arrayMapToEntries(hub.Arrays),
		}
		for _, mapID := range hub.mapOrder {
			m := hub.maps[mapID]
			hubSnap.Maps = append(hubSnap.Maps, saveMapScope(m))
		}
		snap.Hubs = append(snap.Hubs, hubSnap)
	}
	return enc.encode("scopes", snap)
}

func saveMapScope(m *MapScope) stateMapScope {
	mapSnap := stateMapScope{
		ID:        m.ID,
		Active:    m.Active,
		Registers: append([]Word(nil), m.Registers...),
		Arrays:    arrayMapToEntries(m.Arrays),
	}
	for _, mod := range m.moduleOrder {
		mapSnap.ModuleOrder = append(mapSnap.ModuleOrder, mod.Name.Text)
		ms := m.modules[mod]
		arrayEntries := make([]stateArrayEntry, len(ms.Arrays))
		for i, vals := range ms.Arrays {
			arrayEntries[i] = stateArrayEntry{Idx: Word(i), Values: append([]Word(nil), vals...)}
		}
		mapSnap.ModuleScopes = append(mapSnap.ModuleScopes, stateModuleScope{
			ModuleText: mod.Name.Text,
			Registers:  append([]Word(nil), ms.Registers...),
			Arrays:     arrayEntries,
		})
	}
	for _, t := range m.threads {
		mapSnap.Threads = append(mapSnap.Threads, saveThread(t))
	}
	return mapSnap
}

func saveThread(t *Thread) stateThread {
	st := stateThread{
		ModuleText: t.Module.Name.Text,
		CodePtr:    t.CodePtr,
		DataStk:    append([]Word(nil), t.DataStk...),
		LocalReg:   append([]Word(nil), t.LocalReg...),
		PrintBuf:   append([]byte(nil), t.PrintBuf...),
		Delay:      t.Delay,
		Result:     t.Result,
		State:      int(t.State),
	}
	for _, arr := range t.LocalArr {
		st.LocalArr = append(st.LocalArr, append([]Word(nil), arr...))
	}
	if t.Script.Name != nil {
		st.HasName = true
		st.ScriptName = t.Script.Name.Content()
	} else {
		st.ScriptNum = t.Script.Number
	}
	for _, f := range t.CallStk {
		st.CallStk = append(st.CallStk, stateCallFrame{
			ReturnAddr:   f.ReturnAddr,
			LocalRegBase: f.LocalRegBase,
			LocalArrBase: f.LocalArrBase,
			ModuleText:   f.Module.Name.Text,
		})
	}
	return st
}

func (e *Environment) loadScopes(dec *stateDecoder) error {
	var snap stateGlobalScope
	if err := dec.decode("scopes", &snap); err != nil {
		return err
	}

	g := e.Global
	g.Active = snap.Active
	g.Registers = append([]Word(nil), snap.Registers...)
	g.Arrays = entriesToArrayMap(snap.Arrays)

	for _, hubSnap := range snap.Hubs {
		hub := g.GetHub(hubSnap.ID)
		hub.Active = hubSnap.Active
		hub.Registers = append([]Word(nil), hubSnap.Registers...)
		hub.Arrays = entriesToArrayMap(hubSnap.Arrays)

		for _, mapSnap := range hubSnap.Maps {
			m := hub.GetMap(mapSnap.ID)
			if err := e.loadMapScope(m, mapSnap); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Environment) loadMapScope(m *MapScope, snap stateMapScope) error {
	m.Active = snap.Active
	m.Registers = append([]Word(nil), snap.Registers...)
	m.Arrays = entriesToArrayMap(snap.Arrays)

	for _, text := range snap.ModuleOrder {
		mod := e.findModuleByText(text)
		if mod == nil {
			continue
		}
		if err := m.AddModule(mod); err != nil {
			return err
		}
	}
	for _, msSnap := range snap.ModuleScopes {
		mod := e.findModuleByText(msSnap.ModuleText)
		if mod == nil {
			continue
		}
		ms := m.modules[mod]
		if ms == nil {
			continue
		}
		ms.Registers = append([]Word(nil), msSnap.Registers...)
		for _, entry := range msSnap.Arrays {
			if int(entry.Idx) < len(ms.Arrays) {
				ms.Arrays[entry.Idx] = append([]Word(nil), entry.Values...)
			}
		}
	}

	// The snapshot's threads replace any already live in this map.
	for _, t := range m.threads {
		t.reset()
		m.freeThreads = append(m.freeThreads, t)
	}
	m.threads = m.threads[:0]
	m.waiters = make(map[waitKey][]*Thread)

	for _, tSnap := range snap.Threads {
		t := m.allocThread()
		if err := loadThread(t, m, e, tSnap); err != nil {
			return err
		}
		m.threads = append(m.threads, t)
	}
	return nil
}

func loadThread(t *Thread, m *MapScope, e *Environment, snap stateThread) error {
	mod := e.findModuleByText(snap.ModuleText)
	if mod == nil {
		return ErrUnresolvedImport
	}

	var ident interface{}
	if snap.HasName {
		ident = snap.ScriptName
	} else {
		ident = snap.ScriptNum
	}
	scr := mod.scriptByIdent(ident)
	if scr == nil {
		return ErrUnresolvedImport
	}

	t.Env = e
	t.Module = mod
	t.Script = scr
	t.CodePtr = snap.CodePtr
	t.DataStk = append([]Word(nil), snap.DataStk...)
	t.LocalReg = append([]Word(nil), snap.LocalReg...)
	t.LocalArr = make([][]Word, len(snap.LocalArr))
	for i, arr := range snap.LocalArr {
		t.LocalArr[i] = append([]Word(nil), arr...)
	}
	t.PrintBuf = append([]byte(nil), snap.PrintBuf...)
	t.Delay = snap.Delay
	t.Result = snap.Result
	t.State = ThreadState(snap.State)

	// A wait-tag condition is keyed on the Word value the thread
	// popped when it executed wait-tag, which is not itself part of
	// the saved snapshot. Rather than re-register the thread against
	// a lost or zero-valued tag (which would silently collide with
	// every other restored tag waiter), a restored wait-tag thread
	// comes back Running and re-evaluates its own wait on its next
	// step instead.
	if t.State == ThreadWaitTag {
		t.State = ThreadRunning
	}

	t.ScopeMap = m
	t.ScopeHub = m.Hub
	t.ScopeGlobal = m.Hub.Global
	t.ScopeModule = m.moduleScopeFor(mod)

	for _, f := range snap.CallStk {
		fMod := e.findModuleByText(f.ModuleText)
		if fMod == nil {
			fMod = mod
		}
		t.CallStk = append(t.CallStk, callFrame{
			ReturnAddr:   f.ReturnAddr,
			LocalRegBase: f.LocalRegBase,
			LocalArrBase: f.LocalArrBase,
			Module:       fMod,
		})
	}

	if t.State == ThreadWaitScriptNumber || t.State == ThreadWaitScriptName {
		m.registerWaiter(t, t.State, waitIdentFor(t))
	}
	return nil
}

func waitIdentFor(t *Thread) interface{} {
	switch t.State {
	case ThreadWaitScriptNumber:
		return t.Script.Number
	case ThreadWaitScriptName:
		if t.Script.Name != nil {
			return t.Script.Name.Content()
		}
		return ""
	default:
		return nil
	}
}
