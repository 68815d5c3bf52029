// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package gdbserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreadInfoReplyFormatsCommaSeparatedHexIDs(t *testing.T) {
	require.Equal(t, "m1,a,64", threadInfoReply([]int{1, 10, 100}))
	require.Equal(t, "m", threadInfoReply(nil))
}

func TestParseUint64(t *testing.T) {
	v, err := parseUint64("42")
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)

	_, err = parseUint64("not-a-number")
	require.Error(t, err)
}
