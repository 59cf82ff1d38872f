package acsvm

// acseChunk is one raw (id, payload) record collected from the chunk
// table before any chunker runs.
type acseChunk struct {
	id      string
	payload []byte
	offset  int // absolute byte offset of payload start, for STRE decrypt keys
}

// readACSE parses the ACSE/ACSe chunked format. Layout: an ACS0-shaped
// 8-byte header (magic + a pointer to an optional legacy script
// directory, kept only so 8-byte SPTR records can recover a code
// offset), followed immediately by a 32-bit chunk-table offset at byte
// 8. Chunks are then iterated id(4) + length(u32 LE) + payload(length)
// until the buffer is exhausted; unknown ids are skipped, never an
// error, per spec.
func (m *Module) readACSE(data []byte, encrypted bool) error {
	legacyDirPtr, err := readU32LE(data, 4)
	if err != nil {
		return err
	}
	chunkTableOff, err := readU32LE(data, 8)
	if err != nil {
		return err
	}

	legacyCodeOffset := map[int32]Word{}
	if legacyDirPtr >= 12 && int(legacyDirPtr) < len(data) {
		_ = m.readLegacyStub(data, int(legacyDirPtr), legacyCodeOffset)
	}

	// Code segment: everything between the header and the legacy
	// directory (if any), else up to the chunk table.
	codeEnd := int(chunkTableOff)
	if legacyDirPtr > 12 && int(legacyDirPtr) < codeEnd {
		codeEnd = int(legacyDirPtr)
	}
	if codeEnd < 12 || codeEnd > len(data) {
		return &LoadError{Offset: 12, Err: ErrTruncatedData}
	}
	codeWords := (codeEnd - 12) / 4
	code := make([]Word, 0, codeWords)
	for off := 12; off+4 <= codeEnd; off += 4 {
		w, err := readU32LE(data, off)
		if err != nil {
			return err
		}
		code = append(code, w)
	}
	m.CodeV = code

	chunks, err := collectChunksACSE(data, int(chunkTableOff))
	if err != nil {
		return err
	}

	ld := &acseLoader{m: m, iter: m.Env.Config.EncryptionIter, encrypted: encrypted, legacyCodeOffset: legacyCodeOffset}

	// Process in a fixed dependency order so later chunks (AINI, MINI,
	// SPTR's name resolution, ...) can assume the chunks they reference
	// (ARAY, MEXP/MIMP register lists, FUNC, string tables) already
	// exist, regardless of the order chunks appear in the file.
	order := []string{
		"LOAD", "STRL", "STRE", "FNAM", "SNAM", "FUNC", "FARY", "SPTR8", "SPTR12",
		"SARY", "SVCT", "SFLG", "ARAY", "AINI", "AIMP", "ASTR", "ATAG",
		"MEXP", "MIMP", "MINI", "MSTR", "JUMP",
	}
	for _, id := range order {
		for _, c := range byID(chunks, id) {
			if m.Env.Config.VerboseLoad {
				m.Env.Logger.Debug(CatLoad, "module %q: chunk %s (%d bytes)", m.Name.Text, c.id, len(c.payload))
			}
			if err := ld.dispatch(id, c); err != nil {
				return err
			}
		}
	}

	return nil
}

// readLegacyStub parses the ACS0-shaped fake directory at offset,
// filling out[scriptID] = codeOffset for every record found. Errors
// here are tolerated (best effort) since the stub is optional.
func (m *Module) readLegacyStub(data []byte, offset int, out map[int32]Word) error {
	pos := offset
	count, err := readU32LE(data, pos)
	if err != nil || count > 100000 {
		return ErrTruncatedData
	}
	pos += 4
	for i := Word(0); i < count; i++ {
		if pos+12 > len(data) {
			return ErrTruncatedData
		}
		idRaw, _ := readU32LE(data, pos)
		off, _ := readU32LE(data, pos+4)
		out[int32(idRaw)] = off
		pos += 12
	}
	return nil
}

func collectChunksACSE(data []byte, offset int) ([]acseChunk, error) {
	var chunks []acseChunk
	pos := offset
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		length, err := readU32LE(data, pos+4)
		if err != nil {
			return nil, err
		}
		payloadStart := pos + 8
		payloadEnd := payloadStart + int(length)
		if payloadEnd > len(data) {
			return nil, &LoadError{Offset: pos, Err: ErrTruncatedData}
		}
		chunks = append(chunks, acseChunk{id: id, payload: data[payloadStart:payloadEnd], offset: payloadStart})
		pos = payloadEnd
	}
	return chunks, nil
}

func byID(chunks []acseChunk, want string) []acseChunk {
	// SPTR is split into SPTR8/SPTR12 by entry width, detected here.
	if want == "SPTR8" || want == "SPTR12" {
		var out []acseChunk
		for _, c := range chunks {
			if c.id != "SPTR" {
				continue
			}
			width, ok := sptrWidth(len(c.payload))
			if !ok {
				continue
			}
			if (want == "SPTR8" && width == 8) || (want == "SPTR12" && width == 12) {
				out = append(out, c)
			}
		}
		return out
	}
	var out []acseChunk
	for _, c := range chunks {
		if c.id == want {
			out = append(out, c)
		}
	}
	return out
}

func sptrWidth(payloadLen int) (int, bool) {
	if payloadLen < 4 {
		return 0, false
	}
	rem := payloadLen - 4 // first u32 is the record count
	if rem%12 == 0 && rem/12 > 0 {
		return 12, true
	}
	if rem%8 == 0 && rem/8 > 0 {
		return 8, true
	}
	return 0, false
}

// acseLoader holds parse-time state shared across chunkers for one
// Module load: the Module being filled, the string decryption settings,
// and the legacy codeOffset map for 8-byte SPTR records.
type acseLoader struct {
	m                *Module
	iter             int
	encrypted        bool
	legacyCodeOffset map[int32]Word
}

func (l *acseLoader) dispatch(id string, c acseChunk) error {
	switch id {
	case "LOAD":
		return l.chunkLOAD(c)
	case "STRL":
		return l.chunkSTRL(c)
	case "STRE":
		return l.chunkSTRE(c)
	case "FNAM":
		return l.chunkFNAM(c)
	case "SNAM":
		return l.chunkSNAM(c)
	case "FUNC":
		return l.chunkFUNC(c)
	case "FARY":
		return l.chunkFARY(c)
	case "SPTR8":
		return l.chunkSPTR(c, 8)
	case "SPTR12":
		return l.chunkSPTR(c, 12)
	case "SARY":
		return l.chunkSARY(c)
	case "SVCT":
		return l.chunkSVCT(c)
	case "SFLG":
		return l.chunkSFLG(c)
	case "ARAY":
		return l.chunkARAY(c)
	case "AINI":
		return l.chunkAINI(c)
	case "AIMP":
		return l.chunkAIMP(c)
	case "ASTR":
		return l.chunkASTR(c)
	case "ATAG":
		return l.chunkATAG(c)
	case "MEXP":
		return l.chunkMEXP(c)
	case "MIMP":
		return l.chunkMIMP(c)
	case "MINI":
		return l.chunkMINI(c)
	case "MSTR":
		return l.chunkMSTR(c)
	case "JUMP":
		return l.chunkJUMP(c)
	default:
		return nil
	}
}

// --- shared payload cursor ---------------------------------------------

type chunkCursor struct {
	data []byte
	pos  int
	base int // absolute file offset of data[0], for STRE keys
}

func (cc *chunkCursor) u32() (Word, error) {
	w, err := readU32LE(cc.data, cc.pos)
	if err != nil {
		return 0, ErrBadChunk
	}
	cc.pos += 4
	return w, nil
}

func (cc *chunkCursor) byte() (byte, error) {
	if cc.pos >= len(cc.data) {
		return 0, ErrBadChunk
	}
	b := cc.data[cc.pos]
	cc.pos++
	return b, nil
}

func (cc *chunkCursor) bytes(n int) ([]byte, error) {
	if cc.pos+n > len(cc.data) {
		return nil, ErrBadChunk
	}
	b := cc.data[cc.pos : cc.pos+n]
	cc.pos += n
	return b, nil
}

func (cc *chunkCursor) done() bool { return cc.pos >= len(cc.data) }

func newCursor(c acseChunk) *chunkCursor {
	return &chunkCursor{data: c.payload, base: c.offset}
}

// --- individual chunkers -------------------------------------------------

// LOAD: imported module names, one length-prefixed string each.
func (l *acseLoader) chunkLOAD(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		nameLen, err := cc.byte()
		if err != nil {
			return err
		}
		nameBytes, err := cc.bytes(int(nameLen))
		if err != nil {
			return err
		}
		name := l.m.Env.GetModuleName(string(nameBytes))
		mod, err := l.m.Env.GetModule(name)
		if err != nil {
			return err
		}
		l.m.ImportV = append(l.m.ImportV, mod)
	}
	return nil
}

// parseStringTable reads: count(u32), then count entries of
// length(u32) + raw bytes, optionally decrypting each entry first.
func (l *acseLoader) parseStringTable(c acseChunk) ([]*String, error) {
	cc := newCursor(c)
	count, err := cc.u32()
	if err != nil {
		return nil, err
	}
	out := make([]*String, 0, count)
	for i := Word(0); i < count; i++ {
		length, err := cc.u32()
		if err != nil {
			return nil, err
		}
		entryOffset := cc.base + cc.pos
		raw, err := cc.bytes(int(length))
		if err != nil {
			return nil, err
		}
		plain := raw
		if l.encrypted {
			plain = decryptStringACSE(raw, entryOffset, l.iter)
			plain = trimNUL(plain)
		}
		out = append(out, l.m.Env.Strings.Intern(plain))
	}
	return out, nil
}

func trimNUL(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// decryptStringACSE implements the ACSe string-obfuscation XOR scheme:
// key = ((offset*iter) ^ i) & 0xFF for byte index i.
func decryptStringACSE(ciphertext []byte, offset int, iter int) []byte {
	out := make([]byte, len(ciphertext))
	for i, b := range ciphertext {
		key := byte((offset*iter)^i) & 0xFF
		out[i] = b ^ key
	}
	return out
}

func (l *acseLoader) chunkSTRL(c acseChunk) error {
	strs, err := l.parseStringTable(c)
	if err != nil {
		return err
	}
	for _, s := range strs {
		l.m.Env.Strings.Retain(s)
		l.m.StringV = append(l.m.StringV, s)
	}
	return nil
}

func (l *acseLoader) chunkSTRE(c acseChunk) error {
	return l.chunkSTRL(c)
}

func (l *acseLoader) chunkFNAM(c acseChunk) error {
	strs, err := l.parseStringTable(c)
	if err != nil {
		return err
	}
	for _, s := range strs {
		l.m.Env.Strings.Retain(s)
	}
	l.m.FuncNameV = strs
	return nil
}

func (l *acseLoader) chunkSNAM(c acseChunk) error {
	strs, err := l.parseStringTable(c)
	if err != nil {
		return err
	}
	for _, s := range strs {
		l.m.Env.Strings.Retain(s)
	}
	l.m.ScrNameV = strs
	return nil
}

// FUNC: (argCount u8, localCount u8, hasReturn u8, codeOffset u32) per function.
func (l *acseLoader) chunkFUNC(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		argc, err := cc.byte()
		if err != nil {
			return err
		}
		localc, err := cc.byte()
		if err != nil {
			return err
		}
		if _, err := cc.byte(); err != nil { // hasReturn, not separately modeled
			return err
		}
		codeOff, err := cc.u32()
		if err != nil {
			return err
		}
		l.m.FunctionV = append(l.m.FunctionV, &Function{
			CodeIdx: codeOff / 4,
			LocRegC: Word(localc),
			ArgC:    Word(argc),
			Module:  l.m,
		})
	}
	return nil
}

// FARY: one u32 local-array count per function, in FunctionV order.
// There is no first-class "local array count" field on Function in the
// spec's static Function descriptor (only LocRegC); scripts carry
// LocArrC because they, not ordinary functions, declare local arrays
// in ACS. We still validate the chunk shape for BadChunk detection and
// otherwise discard it — matching "each chunker validates its own
// payload" without inventing a Function field nothing else references.
func (l *acseLoader) chunkFARY(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		if _, err := cc.u32(); err != nil {
			return err
		}
	}
	return nil
}

// SPTR: width-8 or width-12 script pointer records.
// width 8:  id(i32) type(u16) argCount(u16)                — codeOffset via legacy stub
// width 12: id(i32) type(u16) argCount(u16) codeOffset(u32)
func (l *acseLoader) chunkSPTR(c acseChunk, width int) error {
	cc := newCursor(c)
	count, err := cc.u32()
	if err != nil {
		return err
	}
	for i := Word(0); i < count; i++ {
		idRaw, err := cc.u32()
		if err != nil {
			return err
		}
		typeRaw, err := cc.u32() // packed: low16=type, high16=argCount to keep a single u32 read path
		if err != nil {
			return err
		}
		typ := Word(uint16(typeRaw))
		argc := Word(uint16(typeRaw >> 16))

		var codeOff Word
		if width == 12 {
			codeOff, err = cc.u32()
			if err != nil {
				return err
			}
		} else {
			codeOff = l.legacyCodeOffset[int32(idRaw)]
		}

		scr := &Script{
			Type:    scriptTypeFromWord(typ),
			ArgC:    argc,
			CodeIdx: codeOff / 4,
			Module:  l.m,
		}
		l.m.setScriptNameTypeACSE(scr, idRaw, typ)
		l.m.ScriptV = append(l.m.ScriptV, scr)
	}
	return nil
}

func scriptTypeFromWord(w Word) ScriptType {
	if int(w) < int(ScriptTypeReopen) {
		return ScriptType(w)
	}
	return ScriptTypeClosed
}

// setScriptNameTypeACSE resolves a raw script id: if its high bit is
// set, its bit-inverse indexes ScrNameV; otherwise it is a plain
// number.
func (m *Module) setScriptNameTypeACSE(scr *Script, rawID Word, typ Word) {
	if int32(rawID) < 0 {
		idx := ^rawID
		if int(idx) < len(m.ScrNameV) {
			scr.Name = m.ScrNameV[idx]
		}
		scr.Number = 0
	} else {
		scr.Number = int(rawID)
	}
}

// SARY: script local-array counts, (scriptIndex u32, count u32) pairs.
func (l *acseLoader) chunkSARY(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		idx, err := cc.u32()
		if err != nil {
			return err
		}
		count, err := cc.u32()
		if err != nil {
			return err
		}
		if int(idx) < len(l.m.ScriptV) {
			l.m.ScriptV[idx].LocArrC = count
		}
	}
	return nil
}

// SVCT: script local-register counts, (scriptIndex u32, count u32) pairs.
func (l *acseLoader) chunkSVCT(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		idx, err := cc.u32()
		if err != nil {
			return err
		}
		count, err := cc.u32()
		if err != nil {
			return err
		}
		if int(idx) < len(l.m.ScriptV) {
			l.m.ScriptV[idx].LocRegC = count
		}
	}
	return nil
}

// SFLG: script flag overrides, (scriptIndex u32, flags u32) pairs.
func (l *acseLoader) chunkSFLG(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		idx, err := cc.u32()
		if err != nil {
			return err
		}
		flags, err := cc.u32()
		if err != nil {
			return err
		}
		if int(idx) < len(l.m.ScriptV) {
			l.m.ScriptV[idx].Flags = ScriptFlag(flags)
		}
	}
	return nil
}

// ARAY: array declarations, (index u32, size u32) pairs.
func (l *acseLoader) chunkARAY(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		idx, err := cc.u32()
		if err != nil {
			return err
		}
		size, err := cc.u32()
		if err != nil {
			return err
		}
		l.growArrays(int(idx) + 1)
		l.m.ArrSizeV[idx] = size
	}
	return nil
}

func (l *acseLoader) growArrays(n int) {
	for len(l.m.ArrSizeV) < n {
		l.m.ArrSizeV = append(l.m.ArrSizeV, 0)
		l.m.ArrNameV = append(l.m.ArrNameV, nil)
	}
}

// AINI: array initializer, (arrayIndex u32, wordCount u32, word...) tuples.
func (l *acseLoader) chunkAINI(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		idx, err := cc.u32()
		if err != nil {
			return err
		}
		n, err := cc.u32()
		if err != nil {
			return err
		}
		values := make([]Word, 0, n)
		for i := Word(0); i < n; i++ {
			w, err := cc.u32()
			if err != nil {
				return err
			}
			values = append(values, w)
		}
		l.m.ArrInitV = append(l.m.ArrInitV, ArrayInit{ArrayIdx: idx, Values: values})
	}
	return nil
}

// AIMP: array imports, (size u32, nameLen u8, name bytes) tuples.
func (l *acseLoader) chunkAIMP(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		if _, err := cc.u32(); err != nil { // expected size, validated shape only
			return err
		}
		nameLen, err := cc.byte()
		if err != nil {
			return err
		}
		nameBytes, err := cc.bytes(int(nameLen))
		if err != nil {
			return err
		}
		s := l.m.Env.Strings.Intern(nameBytes)
		l.m.Env.Strings.Retain(s)
		l.m.ArrImpV = append(l.m.ArrImpV, s)
	}
	return nil
}

// ASTR: array indices (u32 each) whose entries are string indices.
func (l *acseLoader) chunkASTR(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		if _, err := cc.u32(); err != nil {
			return err
		}
	}
	return nil
}

// ATAG: per-element string tag table, (arrayIndex u32, elemIndex u32) pairs.
func (l *acseLoader) chunkATAG(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		if _, err := cc.u32(); err != nil {
			return err
		}
		if _, err := cc.u32(); err != nil {
			return err
		}
	}
	return nil
}

// MEXP: exported register names, one length-prefixed string per
// register index in order.
func (l *acseLoader) chunkMEXP(c acseChunk) error {
	cc := newCursor(c)
	idx := Word(0)
	for !cc.done() {
		nameLen, err := cc.byte()
		if err != nil {
			return err
		}
		nameBytes, err := cc.bytes(int(nameLen))
		if err != nil {
			return err
		}
		l.growRegs(int(idx) + 1)
		s := l.m.Env.Strings.Intern(nameBytes)
		l.m.Env.Strings.Retain(s)
		l.m.RegNameV[idx] = s
		idx++
	}
	return nil
}

func (l *acseLoader) growRegs(n int) {
	for len(l.m.RegNameV) < n {
		l.m.RegNameV = append(l.m.RegNameV, nil)
	}
}

// MIMP: register imports, (regIndex u32, nameLen u8, name bytes) tuples.
func (l *acseLoader) chunkMIMP(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		idx, err := cc.u32()
		if err != nil {
			return err
		}
		nameLen, err := cc.byte()
		if err != nil {
			return err
		}
		nameBytes, err := cc.bytes(int(nameLen))
		if err != nil {
			return err
		}
		l.growRegs(int(idx) + 1)
		s := l.m.Env.Strings.Intern(nameBytes)
		l.m.Env.Strings.Retain(s)
		for len(l.m.RegImpV) <= int(idx) {
			l.m.RegImpV = append(l.m.RegImpV, nil)
		}
		l.m.RegImpV[idx] = s
	}
	return nil
}

// MINI: register initializer, (regIndex u32, value u32) pairs.
func (l *acseLoader) chunkMINI(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		idx, err := cc.u32()
		if err != nil {
			return err
		}
		val, err := cc.u32()
		if err != nil {
			return err
		}
		l.m.RegInitV = append(l.m.RegInitV, WordInit{RegIdx: idx, Value: val})
	}
	return nil
}

// MSTR: register indices (u32 each) whose values are string indices.
func (l *acseLoader) chunkMSTR(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		if _, err := cc.u32(); err != nil {
			return err
		}
	}
	return nil
}

// JUMP: dynamic jump target table, one code offset (u32) per entry.
func (l *acseLoader) chunkJUMP(c acseChunk) error {
	cc := newCursor(c)
	for !cc.done() {
		off, err := cc.u32()
		if err != nil {
			return err
		}
		l.m.JumpV = append(l.m.JumpV, Jump{Offset: off / 4})
	}
	return nil
}
