// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// ArgsEnv is the replay-startup metadata SPEC_FULL.md §D item 1
// supplements from original_source's TraceStream read/write methods:
// the recorded process's working directory, argv, envp, and the core it
// was bound to, needed to reconstruct the exact command line and
// environment a replay must recreate before execing the traced binary.
type ArgsEnv struct {
	Cwd      string
	Argv     []string
	Envp     []string
	BindToCPU int32
}

// WriteArgsEnv serializes a per §6: NUL-terminated cwd, then
// length-prefixed argv, then envp, then a trailing bind-to-cpu integer.
func WriteArgsEnv(dir string, a ArgsEnv) error {
	f, err := os.Create(filepath.Join(dir, "args_env"))
	if err != nil {
		return fmt.Errorf("trace: create args_env: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(a.Cwd); err != nil {
		return err
	}
	if _, err := f.Write([]byte{0}); err != nil {
		return err
	}
	if err := writeStringList(f, a.Argv); err != nil {
		return err
	}
	if err := writeStringList(f, a.Envp); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, a.BindToCPU)
}

func writeStringList(f *os.File, list []string) error {
	if err := binary.Write(f, binary.LittleEndian, uint32(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := binary.Write(f, binary.LittleEndian, uint32(len(s))); err != nil {
			return err
		}
		if _, err := f.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

// ReadArgsEnv is WriteArgsEnv's inverse, used by the replay front-end to
// recover the exact command line and environment recording saw.
func ReadArgsEnv(dir string) (ArgsEnv, error) {
	data, err := os.ReadFile(filepath.Join(dir, "args_env"))
	if err != nil {
		return ArgsEnv{}, fmt.Errorf("trace: read args_env: %w", err)
	}
	var a ArgsEnv
	off := 0

	nul := indexByte(data, off, 0)
	if nul < 0 {
		return ArgsEnv{}, fmt.Errorf("trace: args_env missing NUL after cwd")
	}
	a.Cwd = string(data[off:nul])
	off = nul + 1

	a.Argv, off, err = readStringList(data, off)
	if err != nil {
		return ArgsEnv{}, err
	}
	a.Envp, off, err = readStringList(data, off)
	if err != nil {
		return ArgsEnv{}, err
	}
	if off+4 > len(data) {
		return ArgsEnv{}, fmt.Errorf("trace: args_env truncated before bind-to-cpu")
	}
	a.BindToCPU = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	return a, nil
}

func indexByte(b []byte, from int, c byte) int {
	for i := from; i < len(b); i++ {
		if b[i] == c {
			return i
		}
	}
	return -1
}

func readStringList(data []byte, off int) ([]string, int, error) {
	if off+4 > len(data) {
		return nil, 0, fmt.Errorf("trace: args_env truncated reading list count")
	}
	n := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+4 > len(data) {
			return nil, 0, fmt.Errorf("trace: args_env truncated reading string length")
		}
		l := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		if off+int(l) > len(data) {
			return nil, 0, fmt.Errorf("trace: args_env truncated reading string body")
		}
		out = append(out, string(data[off:off+int(l)]))
		off += int(l)
	}
	return out, off, nil
}
