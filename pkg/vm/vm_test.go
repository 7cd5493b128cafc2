package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

func TestAllRejectsOnlyFreeRegions(t *testing.T) {
	var tests = []struct {
		name string
		mbi  windows.MemoryBasicInformation
		want bool
	}{
		{"committed private region", windows.MemoryBasicInformation{State: windows.MEM_COMMIT}, true},
		{"reserved region", windows.MemoryBasicInformation{State: windows.MEM_RESERVE}, true},
		{"free region", windows.MemoryBasicInformation{State: windows.MEM_FREE}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, All(&tt.mbi))
		})
	}
}

func TestImagePredicateMatchesOnlyItsOwnAllocationBase(t *testing.T) {
	const base = 0x140000000
	pred := Image(base)

	require.True(t, pred(&windows.MemoryBasicInformation{
		State: windows.MEM_COMMIT, Type: windows.MEM_IMAGE, AllocationBase: base,
	}), "same allocation base and MEM_IMAGE must match")

	require.False(t, pred(&windows.MemoryBasicInformation{
		State: windows.MEM_COMMIT, Type: windows.MEM_PRIVATE, AllocationBase: base,
	}), "same base but private type must not match")

	require.False(t, pred(&windows.MemoryBasicInformation{
		State: windows.MEM_COMMIT, Type: windows.MEM_IMAGE, AllocationBase: base + 0x1000,
	}), "different allocation base must not match")

	require.False(t, pred(&windows.MemoryBasicInformation{
		State: windows.MEM_FREE, Type: windows.MEM_IMAGE, AllocationBase: base,
	}), "free state must never match regardless of type/base")
}

func TestNotImageExcludesEveryImageRegionRegardlessOfBase(t *testing.T) {
	const base = 0x140000000
	notImage := NotImage(base)

	require.False(t, notImage(&windows.MemoryBasicInformation{
		State: windows.MEM_COMMIT, Type: windows.MEM_IMAGE, AllocationBase: base,
	}), "image region at the tracked base must be excluded")

	require.False(t, notImage(&windows.MemoryBasicInformation{
		State: windows.MEM_COMMIT, Type: windows.MEM_IMAGE, AllocationBase: base + 0x2000,
	}), "image region at a different base must still be excluded")

	require.True(t, notImage(&windows.MemoryBasicInformation{
		State: windows.MEM_COMMIT, Type: windows.MEM_PRIVATE, AllocationBase: base,
	}), "non-image region must be admitted")

	require.True(t, notImage(&windows.MemoryBasicInformation{
		State: windows.MEM_COMMIT, Type: windows.MEM_MAPPED, AllocationBase: base + 0x2000,
	}), "mapped non-image region must be admitted")

	require.False(t, notImage(&windows.MemoryBasicInformation{
		State: windows.MEM_FREE, Type: windows.MEM_PRIVATE, AllocationBase: base,
	}), "free region must never be admitted regardless of type")
}

// TestEnumeratorWalksOwnAddressSpace exercises Next against the test
// binary's own process: every non-free allocation must surface as exactly
// one Region record followed by at least one Subregion record, and every
// SubregionBytes record's length must equal its Subregion's RegionSize,
// property 3 (byte conservation) from the wire grammar.
func TestEnumeratorWalksOwnAddressSpace(t *testing.T) {
	enum := NewEnumerator(All)

	var sawRegion, sawSubregion bool
	var pendingSubregions int

	for count := 0; count < 100000; count++ {
		rec, ok, err := enum.Next()
		require.NoError(t, err)
		if !ok {
			break
		}

		switch rec.Kind {
		case KindRegion:
			require.Equal(t, pendingSubregions, 0, "region started before the previous one's subregions were fully consumed")
			sawRegion = true
			pendingSubregions = int(rec.Region.SubregionCount)
		case KindSubregion:
			sawSubregion = true
			pendingSubregions--
			require.GreaterOrEqual(t, pendingSubregions, 0)
		case KindSubregionBytes:
			require.Len(t, rec.Bytes, int(rec.Subregion.RegionSize))
		}
	}

	require.True(t, sawRegion, "expected at least one allocation in this process's own address space")
	require.True(t, sawSubregion, "expected at least one subregion")
	require.Equal(t, 0, pendingSubregions, "enumeration ended mid-region")
}
