package acsvm

import "testing"

// buildACS0 assembles: header, a two-word code segment, a one-script
// directory, and a one-string table.
func buildACS0(t *testing.T) []byte {
	t.Helper()

	var code bcBuilder
	code.u32(0x11111111).u32(0x22222222)

	headerLen := 8
	codeLen := code.len()
	dirOff := headerLen + codeLen

	var dir bcBuilder
	dir.u32(1)          // scriptCount
	dir.u32(1)           // id
	dir.u32(0)           // codeOffset (word 0 of code segment)
	dir.u32(0)           // argCount
	dir.u32(1)           // strCount
	strOffsetPos := dirOff + dir.len() + 4 // after the one string offset word

	dir.u32(uint32(strOffsetPos))

	var full bcBuilder
	full.raw([]byte("ACS\x00"))
	full.u32(uint32(dirOff))
	full.raw(code.bytes())
	full.raw(dir.bytes())
	full.cstr("hi")

	return full.bytes()
}

func TestReadACS0(t *testing.T) {
	env := NewEnvironment(nil, nil)
	mod := NewModule(env, ModuleName{Text: "test.o"})

	if err := mod.ReadBytecode(buildACS0(t)); err != nil {
		t.Fatalf("ReadBytecode: %v", err)
	}
	if !mod.Loaded {
		t.Fatalf("module not marked Loaded")
	}
	if len(mod.CodeV) != 2 || mod.CodeV[0] != 0x11111111 || mod.CodeV[1] != 0x22222222 {
		t.Fatalf("code segment mismatch: %#v", mod.CodeV)
	}
	if len(mod.ScriptV) != 1 {
		t.Fatalf("expected 1 script, got %d", len(mod.ScriptV))
	}
	scr := mod.ScriptV[0]
	if scr.Number != 1 || scr.CodeIdx != 0 {
		t.Fatalf("script mismatch: %+v", scr)
	}
	if len(mod.StringV) != 1 || mod.StringV[0].Content() != "hi" {
		t.Fatalf("string table mismatch: %#v", mod.StringV)
	}
}

func TestReadACS0BadFormat(t *testing.T) {
	env := NewEnvironment(nil, nil)
	mod := NewModule(env, ModuleName{Text: "bad.o"})

	err := mod.ReadBytecode([]byte("XYZZ"))
	if err == nil {
		t.Fatalf("expected an error for unrecognized magic")
	}
	le, ok := err.(*LoadError)
	if !ok || le.Err != ErrBadFormat {
		t.Fatalf("expected ErrBadFormat, got %v", err)
	}
	if mod.Loaded {
		t.Fatalf("module should not be marked Loaded after a failed read")
	}
}

func TestReadACS0TruncatedData(t *testing.T) {
	env := NewEnvironment(nil, nil)
	mod := NewModule(env, ModuleName{Text: "trunc.o"})

	full := buildACS0(t)
	err := mod.ReadBytecode(full[:len(full)-5])
	if err == nil {
		t.Fatalf("expected an error reading truncated data")
	}
}

func TestModuleReloadIsIdempotent(t *testing.T) {
	env := NewEnvironment(nil, nil)
	mod := NewModule(env, ModuleName{Text: "test.o"})
	data := buildACS0(t)

	if err := mod.ReadBytecode(data); err != nil {
		t.Fatalf("first read: %v", err)
	}
	firstScriptCount := len(mod.ScriptV)
	firstCodeLen := len(mod.CodeV)

	mod.Reset()
	if err := mod.ReadBytecode(data); err != nil {
		t.Fatalf("second read: %v", err)
	}

	if len(mod.ScriptV) != firstScriptCount || len(mod.CodeV) != firstCodeLen {
		t.Fatalf("reload produced different shape: scripts %d vs %d, code %d vs %d",
			len(mod.ScriptV), firstScriptCount, len(mod.CodeV), firstCodeLen)
	}
}
