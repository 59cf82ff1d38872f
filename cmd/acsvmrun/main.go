// Command acsvmrun loads one or more ACS bytecode modules and runs them
// to completion at a fixed 1/35s tick rate. It is a thin demo driver,
// not part of the VM itself: its EndPrint, Timer, TestSave, and
// CollectStrings call-funcs are just one reasonable host binding, not
// the only one.
package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/dormouse-systems/acsvm"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: acsvmrun module1 [module2 ...]")
		os.Exit(1)
	}

	env := acsvm.NewEnvironment(acsvm.DefaultConfig(), acsvm.NewLogger(false))
	env.LoadModule = loadModuleFromDisk

	var timer acsvm.Word
	needTestSave := false

	funcEndPrint := env.AddCallFunc(func(t *acsvm.Thread, _ []acsvm.Word) bool {
		fmt.Println(string(t.PrintBuf))
		t.PrintBuf = t.PrintBuf[:0]
		return false
	})
	funcTimer := env.AddCallFunc(func(t *acsvm.Thread, _ []acsvm.Word) bool {
		t.DataStk = append(t.DataStk, timer)
		return false
	})
	funcTestSave := env.AddCallFunc(func(_ *acsvm.Thread, _ []acsvm.Word) bool {
		needTestSave = true
		return false
	})
	funcCollectStrings := env.AddCallFunc(func(t *acsvm.Thread, _ []acsvm.Word) bool {
		countOld := env.Strings.Size()
		env.CollectStrings()
		countNew := env.Strings.Size()
		t.DataStk = append(t.DataStk, acsvm.Word(countOld-countNew))
		return false
	})

	env.AddCodeDataACS0(86, acsvm.CodeData{Kind: acsvm.OpCallFunc, FuncIdx: funcEndPrint})
	env.AddCodeDataACS0(93, acsvm.CodeData{Kind: acsvm.OpCallFunc, FuncIdx: funcTimer})
	env.AddCodeDataACS0(270, acsvm.CodeData{Kind: acsvm.OpCallFunc, FuncIdx: funcEndPrint})

	env.AddFuncDataACS0(0x10000, funcTestSave)
	env.AddFuncDataACS0(0x10001, funcCollectStrings)

	if err := loadAndStart(env, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error loading modules:", err)
		os.Exit(1)
	}

	tick := time.Second / 35
	for env.HasActiveThread() {
		deadline := time.Now().Add(tick)
		timer++

		if err := env.Exec(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}

		if needTestSave {
			var buf bytes.Buffer
			if err := env.SaveState(&buf); err != nil {
				fmt.Fprintln(os.Stderr, "error saving state:", err)
				os.Exit(1)
			}
			if err := env.LoadState(&buf); err != nil {
				fmt.Fprintln(os.Stderr, "error loading state:", err)
				os.Exit(1)
			}
			needTestSave = false
		}

		if remaining := time.Until(deadline); remaining > 0 {
			time.Sleep(remaining)
		}
	}
}

// loadAndStart resolves every named module, activates a single
// global/hub/map scope chain, and starts its Open scripts.
func loadAndStart(env *acsvm.Environment, names []string) error {
	modules := make([]*acsvm.Module, 0, len(names))
	for _, name := range names {
		mod, err := env.GetModule(env.GetModuleName(name))
		if err != nil {
			return err
		}
		modules = append(modules, mod)
	}

	env.Global.Active = true
	hub := env.Global.GetHub(0)
	hub.Active = true
	m := hub.GetMap(0)
	m.Active = true

	for _, mod := range modules {
		if err := m.AddModule(mod); err != nil {
			return fmt.Errorf("linking module %q: %w", mod.Name.Text, err)
		}
	}

	m.ScriptStartType(acsvm.ScriptTypeOpen, nil)
	return nil
}

func loadModuleFromDisk(mod *acsvm.Module) error {
	data, err := os.ReadFile(mod.Name.Text)
	if err != nil {
		return fmt.Errorf("%w: %v", acsvm.ErrReadError, err)
	}
	return mod.ReadBytecode(data)
}
