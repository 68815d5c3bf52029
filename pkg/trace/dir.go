// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package trace implements the §4.7 Trace Container: five independent
// compressed substream files, trace-directory resolution and the
// `latest-trace` symlink, the plain-text `version` file, and the
// `args_env` replay-startup metadata file supplemented from
// original_source per SPEC_FULL.md §D.
package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sarvex/rr/pkg/osutil"
)

// EngineVersion is the trace format version every trace directory's
// version file must match exactly, per §6; a mismatch is a
// FatalEnvironmental condition (§7), never a warning.
const EngineVersion = 41

// SubstreamNames enumerates the five independent compressed files every
// trace directory carries, in the fixed order §4.7 names them.
var SubstreamNames = []string{"events", "data_header", "data", "mmaps", "tasks"}

// EnvRunningUnderRR and EnvSyscallbufEnabled are the two tracee-visible
// environment variables §6's "Environment" paragraph names: the former
// forbids a traced process from itself invoking rr (no nesting), the
// latter tells the injected preload library whether to activate
// buffering for this run.
const (
	EnvRunningUnderRR    = "RUNNING_UNDER_RR"
	EnvSyscallbufEnabled = "SYSCALLBUF_ENABLED_ENV_VAR"
)

// ResolveRoot implements the trace-root search order of §6:
// _RR_TRACE_DIR override, then $XDG_DATA_HOME/rr, then $HOME/.rr, then
// /tmp/rr.
func ResolveRoot() string {
	if dir := os.Getenv("_RR_TRACE_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "rr")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".rr")
	}
	return "/tmp/rr"
}

// NewDirName builds the `<exe-basename>-<nonce>` leaf name §6 specifies,
// probing for the first nonce not already taken under root.
func NewDirName(root, exePath string) (string, error) {
	base := filepath.Base(exePath)
	for nonce := 0; ; nonce++ {
		name := fmt.Sprintf("%s-%d", base, nonce)
		if _, err := os.Stat(filepath.Join(root, name)); os.IsNotExist(err) {
			return name, nil
		}
	}
}

// CreateDir makes a fresh trace directory under root, writes its version
// file, and repoints root's `latest-trace` symlink at it.
func CreateDir(root, exePath string) (string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("trace: create root %s: %w", root, err)
	}
	name, err := NewDirName(root, exePath)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("trace: create dir %s: %w", dir, err)
	}
	if err := writeVersionFile(dir); err != nil {
		return "", err
	}
	if err := updateLatestTraceSymlink(root, dir); err != nil {
		return "", err
	}
	return dir, nil
}

func writeVersionFile(dir string) error {
	return osutil.WriteFile(filepath.Join(dir, "version"), []byte(strconv.Itoa(EngineVersion)+"\n"))
}

// CheckVersion reads dir's version file and fails fatally (per §7's
// FatalEnvironmental class) on any mismatch, since a version skew means
// every other file in the directory is framed in a format this package
// does not know how to read.
func CheckVersion(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "version"))
	if err != nil {
		return fmt.Errorf("trace: read version file: %w", err)
	}
	v, err := strconv.Atoi(trimNewline(string(data)))
	if err != nil {
		return fmt.Errorf("trace: malformed version file %q: %w", string(data), err)
	}
	if v != EngineVersion {
		return fmt.Errorf("trace: version mismatch: trace is version %d, this build is version %d", v, EngineVersion)
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func updateLatestTraceSymlink(root, dir string) error {
	link := filepath.Join(root, "latest-trace")
	os.Remove(link)
	return os.Symlink(dir, link)
}

// HardlinkMmapBacking links src (a file backing a writable shared
// mapping rr recorded) into dir as `mmap_<n>_hardlink_<basename>`, per
// §6, so the backing file survives even if later deleted from its
// original location; falls back to a copy if the filesystem doesn't
// support hardlinks across the two paths (e.g. src on a different
// mount), mirroring the fallback syzkaller's own osutil.LinkFiles uses.
func HardlinkMmapBacking(dir string, n int, src string) (string, error) {
	dst := filepath.Join(dir, fmt.Sprintf("mmap_%d_hardlink_%s", n, filepath.Base(src)))
	if err := os.Link(src, dst); err != nil {
		if err := osutil.CopyFile(src, dst); err != nil {
			return "", fmt.Errorf("trace: hardlink/copy mmap backing %s: %w", src, err)
		}
	}
	return dst, nil
}
