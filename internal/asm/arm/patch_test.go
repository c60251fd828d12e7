package arm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatchBranch(t *testing.T) {
	const site = 0x1000

	word, err := EncodeBranchAt(COND_VS, site, 0x2000)
	require.NoError(t, err)
	require.True(t, IsBranch(word))
	require.Equal(t, int64(0x2000), BranchTarget(word, site))

	patched, err := PatchBranch(word, site, 0x800)
	require.NoError(t, err)
	require.Equal(t, word>>28, patched>>28)
	require.Equal(t, int64(0x800), BranchTarget(patched, site))

	_, err = PatchBranch(NopWord, site, 0x800)
	require.Error(t, err)

	_, err = PatchBranch(word, site, site+DefaultBranchReach+8)
	require.Error(t, err)
}

func TestLongBranchWords(t *testing.T) {
	words := LongBranchWords(0x100, 0x10000100)
	require.Equal(t, []uint32{ldrIPFromPC, addPCIP, 0x10000100 - 0x10c}, words)
}

func TestBranchTarget_backward(t *testing.T) {
	require.Equal(t, int64(0), BranchTarget(0xeafffffb, 12))
}
