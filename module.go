package acsvm

// ModuleName identifies a Module. Two names are equal iff Text, Ptr, and
// Tag are all equal; this triple is also used as the map key under
// which the Environment memoises modules, so Ptr must be a comparable
// Go value (nil, a pointer, or an integer are all fine — a slice or map
// is not, mirroring the C++ contract that Ptr is an opaque but
// comparable void*).
type ModuleName struct {
	Text string
	Ptr  interface{}
	Tag  uintptr
}

// key returns the comparable value used to index env.modules.
func (n ModuleName) key() ModuleName { return n }

// Function is a static descriptor for a callable routine within a
// Module.
type Function struct {
	CodeIdx Word
	LocRegC Word
	ArgC    Word
	Module  *Module
}

// Script is a static descriptor for an entry point within a Module.
type Script struct {
	Number  int
	Name    *String // optional; nil if the script is purely numeric
	Type    ScriptType
	Flags   ScriptFlag
	ArgC    Word
	LocRegC Word
	LocArrC Word
	CodeIdx Word
	Module  *Module
}

// Ident returns the identifier used for script-start/stop/pause
// lookups: the name if present, otherwise the number.
func (s *Script) Ident() interface{} {
	if s.Name != nil {
		return s.Name.Content()
	}
	return s.Number
}

// Module is the compiled bytecode artifact produced by readBytecode: the
// code segment, its static script/function/array/register descriptors,
// and the Strings it holds references into.
type Module struct {
	Env  *Environment
	Name ModuleName

	CodeV     []Word
	JumpV     []Jump
	JumpMapV  []JumpMap
	ArrInitV  []ArrayInit
	ArrSizeV  []Word
	ArrNameV  []*String
	ArrImpV   []*String
	RegInitV  []WordInit
	RegNameV  []*String
	RegImpV   []*String
	FuncNameV []*String
	FunctionV []*Function
	ScrNameV  []*String
	ScriptV   []*Script
	StringV   []*String // local string-table index -> Environment String
	ImportV   []*Module

	Loaded bool
}

// NewModule constructs an unloaded stub for name, as the Environment
// does on first reference before readBytecode populates it.
func NewModule(env *Environment, name ModuleName) *Module {
	return &Module{Env: env, Name: name}
}

// Reset zeros all vectors and releases the string references they
// held, returning the Module to stub state. Called before a reload and
// left in this state if readBytecode fails partway through.
func (m *Module) Reset() {
	for _, s := range m.ArrNameV {
		m.Env.Strings.Release(s)
	}
	for _, s := range m.ArrImpV {
		m.Env.Strings.Release(s)
	}
	for _, s := range m.RegNameV {
		m.Env.Strings.Release(s)
	}
	for _, s := range m.RegImpV {
		m.Env.Strings.Release(s)
	}
	for _, s := range m.FuncNameV {
		m.Env.Strings.Release(s)
	}
	for _, s := range m.ScrNameV {
		m.Env.Strings.Release(s)
	}
	for _, s := range m.StringV {
		m.Env.Strings.Release(s)
	}

	m.CodeV = nil
	m.JumpV = nil
	m.JumpMapV = nil
	m.ArrInitV = nil
	m.ArrSizeV = nil
	m.ArrNameV = nil
	m.ArrImpV = nil
	m.RegInitV = nil
	m.RegNameV = nil
	m.RegImpV = nil
	m.FuncNameV = nil
	m.FunctionV = nil
	m.ScrNameV = nil
	m.ScriptV = nil
	m.StringV = nil
	m.ImportV = nil
	m.Loaded = false
}

// ResetStrings re-resolves every String pointer held by this module
// against the current Environment string table. Used after
// Environment.LoadState has rebuilt the table from scratch.
func (m *Module) ResetStrings() {
	resolve := func(s *String) *String {
		if s == nil {
			return nil
		}
		return m.Env.Strings.Intern(s.Bytes)
	}

	for i, s := range m.ArrNameV {
		m.ArrNameV[i] = resolve(s)
	}
	for i, s := range m.ArrImpV {
		m.ArrImpV[i] = resolve(s)
	}
	for i, s := range m.RegNameV {
		m.RegNameV[i] = resolve(s)
	}
	for i, s := range m.RegImpV {
		m.RegImpV[i] = resolve(s)
	}
	for i, s := range m.FuncNameV {
		m.FuncNameV[i] = resolve(s)
	}
	for i, s := range m.ScrNameV {
		m.ScrNameV[i] = resolve(s)
	}
	for i, s := range m.StringV {
		m.StringV[i] = resolve(s)
	}
	for _, scr := range m.ScriptV {
		if scr.Name != nil {
			scr.Name = resolve(scr.Name)
		}
	}
}

// ReadBytecode parses raw module bytes, detecting format from the
// 4-byte magic, and populates this Module in place. On success, Loaded
// becomes true and every String this module references is interned
// into m.Env's table. On failure the Module is left Reset.
func (m *Module) ReadBytecode(data []byte) error {
	if len(data) < 4 {
		return &LoadError{Offset: 0, Err: ErrBadFormat}
	}

	verbose := m.Env.Config.VerboseLoad
	if verbose {
		m.Env.Logger.Debug(CatLoad, "reading module %q (%d bytes)", m.Name.Text, len(data))
	}

	var err error
	switch {
	case data[0] == 'A' && data[1] == 'C' && data[2] == 'S' && data[3] == 0:
		if verbose {
			m.Env.Logger.Debug(CatLoad, "module %q: ACS0 format", m.Name.Text)
		}
		err = m.readACS0(data)
	case data[0] == 'A' && data[1] == 'C' && data[2] == 'S' && data[3] == 'E':
		if verbose {
			m.Env.Logger.Debug(CatLoad, "module %q: ACSE format", m.Name.Text)
		}
		err = m.readACSE(data, false)
	case data[0] == 'A' && data[1] == 'C' && data[2] == 'S' && data[3] == 'e':
		if verbose {
			m.Env.Logger.Debug(CatLoad, "module %q: ACSe format (encrypted strings)", m.Name.Text)
		}
		err = m.readACSE(data, true)
	default:
		return &LoadError{Offset: 0, Err: ErrBadFormat}
	}

	if err != nil {
		m.Reset()
		return err
	}

	if verbose {
		m.Env.Logger.Debug(CatLoad, "module %q: %d scripts, %d functions, %d strings",
			m.Name.Text, len(m.ScriptV), len(m.FunctionV), len(m.StringV))
	}

	m.Loaded = true
	return nil
}

// scriptByIdent finds a Script by numeric id or by name.
func (m *Module) scriptByIdent(ident interface{}) *Script {
	for _, scr := range m.ScriptV {
		if scr.Ident() == ident {
			return scr
		}
	}
	return nil
}
