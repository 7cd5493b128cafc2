package types

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// TestLoaderOffsetsMatchAssemblyConstants pins the struct layouts this
// package models against the hand-derived byte offsets pkg/syscall's
// assembly walks the loader's linked lists with. A change here that isn't
// mirrored in assembly_amd64.s (or vice versa) silently breaks module
// resolution, so the two are kept in lockstep by this test rather than by
// inspection alone.
func TestLoaderOffsetsMatchAssemblyConstants(t *testing.T) {
	var entry LDR_DATA_TABLE_ENTRY
	memLinksOffset := unsafe.Offsetof(entry.InMemoryOrderLinks)

	require.Equal(t, uintptr(0x20), unsafe.Offsetof(entry.DllBase)-memLinksOffset,
		"DllBase must sit 0x20 past InMemoryOrderLinks")
	require.Equal(t, uintptr(0x48), unsafe.Offsetof(entry.BaseDllName)-memLinksOffset,
		"BaseDllName must sit 0x48 past InMemoryOrderLinks")
	require.Equal(t, uintptr(0x70), unsafe.Offsetof(entry.TimeDateStamp)-memLinksOffset,
		"TimeDateStamp must sit 0x70 past InMemoryOrderLinks")

	var ldr PEB_LDR_DATA
	require.Equal(t, uintptr(0x20), unsafe.Offsetof(ldr.InMemoryOrderModuleList),
		"InMemoryOrderModuleList must sit at offset 0x20 in PEB_LDR_DATA")

	var peb PEB
	require.Equal(t, uintptr(0x10), unsafe.Offsetof(peb.ImageBaseAddress))
	require.Equal(t, uintptr(0x18), unsafe.Offsetof(peb.Ldr))
	require.Equal(t, uintptr(0x20), unsafe.Offsetof(peb.ProcessParameters))
}

// TestContextSizeMatchesWindowsABI guards against an accidental field
// addition/removal changing sizeof(Context): the wire protocol ships this
// struct as a raw byte blit, so client and server must agree on its size
// exactly, and the amd64 Windows CONTEXT structure is a fixed 1232 bytes.
func TestContextSizeMatchesWindowsABI(t *testing.T) {
	require.Equal(t, uintptr(1232), unsafe.Sizeof(Context{}))
}

