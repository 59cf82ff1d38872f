package acsvm

import "testing"

func buildACSE(t *testing.T, encryptStrings bool, iter int) []byte {
	t.Helper()

	var code bcBuilder
	code.u32(0x01010101).u32(0x02020202)

	headerLen := 12
	codeLen := code.len()
	chunkTableOff := headerLen + codeLen

	var full bcBuilder
	magic := "ACSE"
	if encryptStrings {
		magic = "ACSe"
	}
	full.raw([]byte(magic))
	full.u32(0) // no legacy stub
	full.u32(uint32(chunkTableOff))
	full.raw(code.bytes())

	// STRL/STRE: one entry "hi".
	var strPayload bcBuilder
	strPayload.u32(1)
	plain := []byte("hi")
	entryOffset := chunkTableOff + 8 /* id+length header */ + 4 /* count field */ + 4 /* this entry's length field */
	var entryBytes []byte
	if encryptStrings {
		entryBytes = encryptForTest(plain, entryOffset, iter)
	} else {
		entryBytes = plain
	}
	strPayload.u32(uint32(len(entryBytes)))
	strPayload.raw(entryBytes)

	if encryptStrings {
		full.chunk("STRE", strPayload.bytes())
	} else {
		full.chunk("STRL", strPayload.bytes())
	}

	// FUNC: one function, argc=1, localc=2, codeOffset=0.
	var funcPayload bcBuilder
	funcPayload.u8(1).u8(2).u8(0).u32(0)
	full.chunk("FUNC", funcPayload.bytes())

	// SPTR: one 12-byte record, id=5, type=Open(1), argc=0, codeOffset=4 (word 1).
	var sptrPayload bcBuilder
	sptrPayload.u32(1)
	sptrPayload.u32(5)
	sptrPayload.u32(uint32(ScriptTypeOpen))
	sptrPayload.u32(4)
	full.chunk("SPTR", sptrPayload.bytes())

	// ARAY: array 0 has size 3.
	var arayPayload bcBuilder
	arayPayload.u32(0).u32(3)
	full.chunk("ARAY", arayPayload.bytes())

	// AINI: array 0 initialized to [10, 20].
	var ainiPayload bcBuilder
	ainiPayload.u32(0).u32(2).u32(10).u32(20)
	full.chunk("AINI", ainiPayload.bytes())

	// Unknown chunk must be skipped without error.
	full.chunk("ZZZZ", []byte{1, 2, 3, 4, 5})

	return full.bytes()
}

// encryptForTest produces ciphertext that decryptStringACSE will turn
// back into plain, for the given absolute file offset and iteration.
func encryptForTest(plain []byte, offset int, iter int) []byte {
	out := make([]byte, len(plain))
	for i, b := range plain {
		key := byte((offset*iter)^i) & 0xFF
		out[i] = b ^ key
	}
	return out
}

func TestReadACSEPlain(t *testing.T) {
	env := NewEnvironment(nil, nil)
	mod := NewModule(env, ModuleName{Text: "test.o"})

	if err := mod.ReadBytecode(buildACSE(t, false, 4)); err != nil {
		t.Fatalf("ReadBytecode: %v", err)
	}
	if len(mod.CodeV) != 2 {
		t.Fatalf("code segment mismatch: %#v", mod.CodeV)
	}
	if len(mod.StringV) != 1 || mod.StringV[0].Content() != "hi" {
		t.Fatalf("string table mismatch: %#v", mod.StringV)
	}
	if len(mod.FunctionV) != 1 {
		t.Fatalf("expected 1 function, got %d", len(mod.FunctionV))
	}
	fn := mod.FunctionV[0]
	if fn.ArgC != 1 || fn.LocRegC != 2 || fn.CodeIdx != 0 {
		t.Fatalf("function mismatch: %+v", fn)
	}
	if len(mod.ScriptV) != 1 {
		t.Fatalf("expected 1 script, got %d", len(mod.ScriptV))
	}
	scr := mod.ScriptV[0]
	if scr.Number != 5 || scr.Type != ScriptTypeOpen || scr.CodeIdx != 1 {
		t.Fatalf("script mismatch: %+v", scr)
	}
	if len(mod.ArrSizeV) != 1 || mod.ArrSizeV[0] != 3 {
		t.Fatalf("array size mismatch: %#v", mod.ArrSizeV)
	}
	if len(mod.ArrInitV) != 1 || mod.ArrInitV[0].Values[0] != 10 || mod.ArrInitV[0].Values[1] != 20 {
		t.Fatalf("array init mismatch: %#v", mod.ArrInitV)
	}
}

func TestReadACSEEncryptedStrings(t *testing.T) {
	env := NewEnvironment(nil, nil)
	mod := NewModule(env, ModuleName{Text: "enc.o"})

	if err := mod.ReadBytecode(buildACSE(t, true, 4)); err != nil {
		t.Fatalf("ReadBytecode: %v", err)
	}
	if len(mod.StringV) != 1 || mod.StringV[0].Content() != "hi" {
		t.Fatalf("decrypted string mismatch: %#v", mod.StringV)
	}
}

func TestReadACSEUnknownChunkSkipped(t *testing.T) {
	env := NewEnvironment(nil, nil)
	mod := NewModule(env, ModuleName{Text: "test.o"})

	// buildACSE already embeds an unknown "ZZZZ" chunk; a successful
	// load proves it was skipped rather than rejected.
	if err := mod.ReadBytecode(buildACSE(t, false, 4)); err != nil {
		t.Fatalf("unknown chunk caused a load failure: %v", err)
	}
}
