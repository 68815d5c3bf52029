// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Event{
		Kind:     KindSyscall,
		Entry:    true,
		ExecInfo: true,
		Arch:     1,
		Payload:  0xabcdef,
	}
	out := Decode(in.Encode())
	require.Equal(t, in.Kind, out.Kind)
	require.Equal(t, in.Entry, out.Entry)
	require.Equal(t, in.ExecInfo, out.ExecInfo)
	require.Equal(t, in.Arch, out.Arch)
	require.Equal(t, in.Payload, out.Payload)
}

func TestTransformRestrictedToEnumeratedPairs(t *testing.T) {
	e := &Event{Kind: KindSyscall}
	require.True(t, e.Transform(KindSyscall))
	require.Equal(t, KindSyscall, e.Kind)

	e2 := &Event{Kind: KindDesched}
	require.False(t, e2.Transform(KindSched))
	require.Equal(t, KindDesched, e2.Kind)
}

func TestKindStringIsStable(t *testing.T) {
	require.Equal(t, "SYSCALLBUF_FLUSH", KindSyscallbufFlush.String())
	require.Equal(t, "UNSTABLE_EXIT", KindUnstableExit.String())
}
