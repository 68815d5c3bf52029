// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package osutil holds the handful of process- and file-management
// helpers the rest of the tree needs to spawn a tracee and lay out a
// trace directory: a ptrace-friendly exec.Cmd constructor, perm-mode
// file writes, and a copy helper pkg/trace falls back to when it can't
// hardlink a recorded mmap's backing file onto the trace directory.
package osutil

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
	DefaultExecPerm = 0755
)

// Command is exec.Command plus Pdeathsig, so a tracee never outlives the
// tracer goroutine that spawned it.
func Command(bin string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	setPdeathsig(cmd)
	return cmd
}

// IsExist reports whether name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

func WriteFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, DefaultFilePerm)
}

// CopyFile copies src to dst byte for byte, used by pkg/trace.
// HardlinkMmapBacking when a recorded mmap's backing file can't be
// hardlinked into the trace directory (e.g. src lives on a different
// mount).
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("osutil: copy %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("osutil: copy to %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("osutil: copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// Abs resolves path against the process's working directory at startup,
// used by rr-replay's resolveTraceDir when the trace directory argument
// is a relative path.
var wd string

func init() {
	var err error
	wd, err = os.Getwd()
	if err != nil {
		panic(fmt.Sprintf("osutil: getwd: %v", err))
	}
}

func Abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(wd, path)
}
