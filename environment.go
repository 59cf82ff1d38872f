package acsvm

import (
	"fmt"
	"io"
	"sync"
)

// CallFunc is a host-provided callable invoked by the CallFunc opcode.
// args is popped from the calling thread's data stack in left-to-right
// order; the returned bool tells the scheduler whether the calling
// thread should yield for the rest of this tick.
type CallFunc func(t *Thread, args []Word) (yield bool)

// LoadModuleFunc populates a Module stub by reading its bytecode bytes
// from wherever the host keeps them and calling mod.ReadBytecode.
type LoadModuleFunc func(mod *Module) error

// Environment owns every Module, scope, String, and Thread reachable
// from a single running VM instance, plus the registries a host
// installs before first use.
type Environment struct {
	Strings *StringTable
	Config  *Config
	Logger  *Logger
	Global  *GlobalScope

	LoadModule      LoadModuleFunc
	OnThreadFault   func(t *Thread, err error)
	OnThreadTerminate func(t *Thread)

	modules       map[ModuleName]*Module
	modulesByText map[string]*Module
	moduleOrder   []ModuleName
	opTable      []CodeData
	callFuncs    []CallFunc
	funcBindings map[Word]Word

	mu sync.Mutex
}

// NewEnvironment constructs an Environment ready for call-func/opcode
// registration. cfg and logger may be nil, in which case DefaultConfig
// and a disabled Logger are used.
func NewEnvironment(cfg *Config, logger *Logger) *Environment {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = NewLogger(false)
	}
	e := &Environment{
		Strings:      NewStringTable(),
		Config:       cfg,
		Logger:       logger,
		modules:       make(map[ModuleName]*Module),
		modulesByText: make(map[string]*Module),
		funcBindings:  make(map[Word]Word),
	}
	e.Global = newGlobalScope(e)
	return e
}

// AddCallFunc registers fn and returns the index other code uses to
// invoke it (directly via a bound CallFunc opcode, or indirectly via
// AddFuncDataACS0).
func (e *Environment) AddCallFunc(fn CallFunc) Word {
	e.callFuncs = append(e.callFuncs, fn)
	return Word(len(e.callFuncs) - 1)
}

// AddCodeDataACS0 binds opcode to the operation described by data,
// growing the dispatch table as needed.
func (e *Environment) AddCodeDataACS0(opcode Word, data CodeData) {
	for Word(len(e.opTable)) <= opcode {
		e.opTable = append(e.opTable, CodeData{Kind: OpNop})
	}
	e.opTable[opcode] = data
}

// AddFuncDataACS0 redirects an ACS0 built-in function id to a
// previously registered call-func index, for use by the CallBuiltin
// opcode.
func (e *Environment) AddFuncDataACS0(funcID Word, callFuncIndex Word) {
	e.funcBindings[funcID] = callFuncIndex
}

func (e *Environment) opEntry(opcode Word) *CodeData {
	if int(opcode) >= len(e.opTable) {
		return nil
	}
	return &e.opTable[opcode]
}

// GetModuleName canonicalizes a textual module reference. Hosts that
// need Ptr/Tag disambiguation construct a ModuleName directly instead.
func (e *Environment) GetModuleName(text string) ModuleName {
	return ModuleName{Text: text}
}

// GetModule returns the memoised Module for name, loading it via
// LoadModule on first reference. The Module is registered before its
// body is parsed, so import cycles between modules are safe.
func (e *Environment) GetModule(name ModuleName) (*Module, error) {
	if mod, ok := e.modules[name.key()]; ok {
		return mod, nil
	}

	mod := NewModule(e, name)
	e.modules[name.key()] = mod
	e.modulesByText[name.Text] = mod
	e.moduleOrder = append(e.moduleOrder, name.key())
	return mod, e.load(mod)
}

func (e *Environment) findModuleByText(text string) *Module {
	return e.modulesByText[text]
}

func (e *Environment) load(mod *Module) error {
	if e.LoadModule == nil {
		return fmt.Errorf("acsvm: loading module %q: %w", mod.Name.Text, ErrReadError)
	}
	if err := e.LoadModule(mod); err != nil {
		e.Logger.LoadError(mod.Name.Text, err)
		return fmt.Errorf("acsvm: loading module %q: %w", mod.Name.Text, err)
	}
	return nil
}

// CollectStrings runs the string-table garbage collector and returns
// the number of strings reclaimed.
func (e *Environment) CollectStrings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.Strings.Collect()
	e.Logger.Debug(CatGC, "collected %d strings", n)
	return n
}

// HasActiveThread reports whether any thread across every active scope
// is not Inactive.
func (e *Environment) HasActiveThread() bool {
	if !e.Global.Active {
		return false
	}
	for _, hubID := range e.Global.hubOrder {
		hub := e.Global.hubs[hubID]
		if !hub.Active {
			continue
		}
		for _, mapID := range hub.mapOrder {
			m := hub.maps[mapID]
			if m.Active && len(m.threads) > 0 {
				return true
			}
		}
	}
	return false
}

// Exec runs one logical tick: advances every Running thread under an
// active scope chain, decrements Paused delays, and promotes delayed
// script starts. Thread visitation is in stable insertion order within
// each MapScope. Wait-state wakeups happen inline, as soon as the
// terminating thread calls terminate(), rather than as a fourth pass here —
// that keeps a waiter's resumption visible within the very tick its
// wait condition was satisfied.
func (e *Environment) Exec() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.Global.Active {
		return nil
	}

	budget := e.Config.InstructionBudget
	e.Logger.Debug(CatSched, "tick start: budget=%d", budget)

	for _, hubID := range e.Global.hubOrder {
		hub := e.Global.hubs[hubID]
		if !hub.Active {
			continue
		}
		for _, mapID := range hub.mapOrder {
			m := hub.maps[mapID]
			if !m.Active {
				continue
			}

			// Snapshot before running: a thread's exec may terminate
			// itself or another thread via a waiter wakeup, mutating
			// m.threads in place through releaseThread.
			live := append([]*Thread(nil), m.threads...)
			for _, t := range live {
				if t.State == ThreadRunning {
					t.exec(budget)
				}
			}

			for _, t := range live {
				if t.State == ThreadPaused && t.Delay > 0 {
					t.Delay--
					if t.Delay == 0 {
						t.State = ThreadRunning
					}
				}
			}

			m.advanceDelayedStarts()
		}
	}

	if e.Config.StringGCThreshold > 0 && e.Strings.Reclaimable() >= e.Config.StringGCThreshold {
		n := e.Strings.Collect()
		e.Logger.Debug(CatGC, "threshold-triggered collection reclaimed %d strings", n)
	}

	return nil
}

// SaveState serializes the string table, every loaded module's
// identity, every scope's variables and active flag, and every
// thread's execution state.
func (e *Environment) SaveState(w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Logger.Debug(CatSave, "saving state: %d modules", len(e.moduleOrder))

	enc := newStateEncoder()
	if err := e.Strings.SaveState(enc); err != nil {
		return err
	}
	if err := e.saveModules(enc); err != nil {
		return err
	}
	if err := e.saveScopes(enc); err != nil {
		return err
	}
	return enc.writeTo(w)
}

// LoadState reconstructs Environment state previously written by
// SaveState. Modules must already be resolvable by name through
// GetModule (i.e. LoadModule must be set and able to produce the same
// modules) before calling this.
func (e *Environment) LoadState(r io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Logger.Debug(CatSave, "loading state")

	dec, err := newStateDecoderFrom(r)
	if err != nil {
		return err
	}
	if err := e.Strings.LoadState(dec); err != nil {
		return err
	}
	if err := e.loadModules(dec); err != nil {
		return err
	}
	for _, mod := range e.modules {
		mod.ResetStrings()
	}
	return e.loadScopes(dec)
}
