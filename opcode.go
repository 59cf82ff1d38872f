package acsvm

// OpKind is the semantic operation a bound opcode number performs. The
// raw opcode numbers read from a Module's code segment are whatever
// the compiled bytecode format uses; the host maps each one to an
// OpKind (plus any fixed operands) once via Environment.AddCodeDataACS0,
// so a single interpreter loop serves both ACS0 and ACSE regardless of
// their differing numeric encodings for the same logical operation.
type OpKind int

const (
	OpNop OpKind = iota

	// Stack manipulation. PushConst reads its literal from the next
	// code word; Dup/Swap/Drop operate on the top of dataStk.
	OpPushConst
	OpDup
	OpSwap
	OpDrop

	// Arithmetic and bitwise, all unsigned modulo 2^32 except where the
	// opcode is explicitly a signed comparison.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr

	// Comparisons, signed.
	OpCmpEq
	OpCmpNe
	OpCmpLt
	OpCmpLe
	OpCmpGt
	OpCmpGe
	OpLogNot

	// Control flow. Branch reads an absolute word index from the next
	// code word; BranchTrue/BranchFalse additionally pop a condition.
	// BranchDynamic pops a key, resolves it through the Module's
	// JumpMapV/JumpV computed-goto tables, and branches to the
	// matching target.
	OpBranch
	OpBranchTrue
	OpBranchFalse
	OpBranchDynamic

	// Calls. CallFunc invokes a registered host callback directly by
	// FuncIdx/ArgC bound on the opEntry. CallBuiltin reads a built-in
	// function id and an argument count from the next two code words
	// and resolves the call-func index via Environment.AddFuncDataACS0
	// bindings — the ACS0 built-in-function-id indirection. Call/Return
	// invoke Module-local Functions.
	OpCallFunc
	OpCallBuiltin
	OpCall
	OpReturn

	// Thread lifecycle.
	OpTerminate
	OpRestart
	OpSuspend
	OpWaitScriptNumber
	OpWaitScriptName
	OpWaitTag

	// Variable access. Each reads the register/array index from the
	// next code word.
	OpGetLocalReg
	OpSetLocalReg
	OpGetMapReg
	OpSetMapReg
	OpGetHubReg
	OpSetHubReg
	OpGetGlobalReg
	OpSetGlobalReg
	OpGetMapArray
	OpSetMapArray
	OpGetHubArray
	OpSetHubArray
	OpGetGlobalArray
	OpSetGlobalArray
	OpGetLocalArray
	OpSetLocalArray

	// Output, buffered in Thread.PrintBuf until a host call-func
	// flushes it (conventionally bound to EndPrint).
	OpPrintString
	OpPrintNumber
	OpPrintCharacter
)

// CodeData is the binding the host installs for one raw opcode number
// via Environment.AddCodeDataACS0: which OpKind it performs, plus any
// fixed operands that don't need to live inline in the code segment.
// For CallFunc, FuncIdx and ArgC are the call-func index and argument
// count; for every other OpKind these fields are unused. Imm is stored
// with the binding, but no OpKind reads it.
type CodeData struct {
	Kind    OpKind
	Imm     Word
	FuncIdx Word
	ArgC    Word
}
