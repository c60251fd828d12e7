package arm

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
)

// NopWord is the encoding of NOP.
const NopWord uint32 = 0xe320f000

// IsBranch returns true if word is a B instruction, conditional or not.
func IsBranch(word uint32) bool {
	return word&0x0f000000 == 0x0a000000 && word>>28 != 0xf
}

// BranchTarget returns the absolute target of the B instruction word placed at site.
func BranchTarget(word uint32, site int64) int64 {
	imm := int64(int32(word<<8) >> 8)
	return site + 8 + imm*4
}

// BranchInReach returns true if a single B instruction at site can reach target.
func BranchInReach(site, target int64) bool {
	disp := target - (site + 8)
	return disp >= -DefaultBranchReach && disp < DefaultBranchReach && disp&3 == 0
}

// EncodeBranchAt returns B<cond> placed at site jumping to target.
func EncodeBranchAt(cond asm.ConditionalRegisterState, site, target int64) (uint32, error) {
	if !BranchInReach(site, target) {
		return 0, fmt.Errorf("branch from 0x%x to 0x%x out of reach", site, target)
	}
	return encodeBranch(condBits(cond), target-(site+8)), nil
}

// PatchBranch rewrites the target of the B instruction word placed at site,
// keeping its condition.
func PatchBranch(word uint32, site, target int64) (uint32, error) {
	if !IsBranch(word) {
		return 0, fmt.Errorf("0x%08x at 0x%x is not a branch", word, site)
	}
	if !BranchInReach(site, target) {
		return 0, fmt.Errorf("branch from 0x%x to 0x%x out of reach", site, target)
	}
	return encodeBranch(word>>28, target-(site+8)), nil
}

// LongBranchWords returns the words of an unconditional branch placed at site
// which reaches any target. ip is clobbered.
func LongBranchWords(site, target int64) []uint32 {
	return encodeLongBranch(asm.ConditionalRegisterStateUnset, site, target)
}
