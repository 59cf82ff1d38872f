package acsvm

import "encoding/binary"

// readU32LE reads a little-endian Word at offset, bounds-checked.
func readU32LE(data []byte, offset int) (Word, error) {
	if offset < 0 || offset+4 > len(data) {
		return 0, &LoadError{Offset: offset, Err: ErrTruncatedData}
	}
	return binary.LittleEndian.Uint32(data[offset : offset+4]), nil
}

// acs0ScriptRecord is the on-disk (id, codeOffset, argCount) triple.
type acs0ScriptRecord struct {
	ID         int32
	CodeOffset Word
	ArgCount   Word
}

// readACS0 parses the plain ACS0 format: a flat header, a code segment,
// and a script/string directory.
func (m *Module) readACS0(data []byte) error {
	dirPtr, err := readU32LE(data, 4)
	if err != nil {
		return err
	}

	// Code segment is everything between the 8-byte header and the
	// directory pointer.
	codeEnd := int(dirPtr)
	if codeEnd < 8 || codeEnd > len(data) {
		return &LoadError{Offset: 8, Err: ErrTruncatedData}
	}
	if (codeEnd-8)%4 != 0 {
		codeEnd -= (codeEnd - 8) % 4
	}
	code := make([]Word, 0, (codeEnd-8)/4)
	for off := 8; off+4 <= codeEnd; off += 4 {
		w, err := readU32LE(data, off)
		if err != nil {
			return err
		}
		code = append(code, w)
	}
	m.CodeV = code

	pos := int(dirPtr)
	scriptCount, err := readU32LE(data, pos)
	if err != nil {
		return err
	}
	pos += 4

	records := make([]acs0ScriptRecord, 0, scriptCount)
	for i := Word(0); i < scriptCount; i++ {
		if pos+12 > len(data) {
			return &LoadError{Offset: pos, Err: ErrTruncatedData}
		}
		idRaw, _ := readU32LE(data, pos)
		off, _ := readU32LE(data, pos+4)
		argc, _ := readU32LE(data, pos+8)
		records = append(records, acs0ScriptRecord{ID: int32(idRaw), CodeOffset: off, ArgCount: argc})
		pos += 12
	}

	strCount, err := readU32LE(data, pos)
	if err != nil {
		return err
	}
	pos += 4

	strOffsets := make([]Word, 0, strCount)
	for i := Word(0); i < strCount; i++ {
		off, err := readU32LE(data, pos)
		if err != nil {
			return err
		}
		strOffsets = append(strOffsets, off)
		pos += 4
	}

	m.StringV = make([]*String, 0, len(strOffsets))
	for _, off := range strOffsets {
		s, err := m.readStringACS0(data, int(off))
		if err != nil {
			return err
		}
		m.Env.Strings.Retain(s)
		m.StringV = append(m.StringV, s)
	}

	m.ScriptV = make([]*Script, 0, len(records))
	for _, rec := range records {
		scr := &Script{
			Number:  int(rec.ID),
			Type:    ScriptTypeOpen, // ACS0 has no explicit type field; Open is the historical default
			ArgC:    rec.ArgCount,
			CodeIdx: rec.CodeOffset / 4,
			Module:  m,
		}
		m.ScriptV = append(m.ScriptV, scr)
	}

	return nil
}

// readStringACS0 scans a NUL-terminated string starting at offset.
func (m *Module) readStringACS0(data []byte, offset int) (*String, error) {
	if offset < 0 || offset > len(data) {
		return nil, &LoadError{Offset: offset, Err: ErrTruncatedData}
	}
	end := offset
	for end < len(data) && data[end] != 0 {
		end++
	}
	return m.Env.Strings.Intern(data[offset:end]), nil
}
