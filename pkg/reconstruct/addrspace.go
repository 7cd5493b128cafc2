package reconstruct

import (
	"fmt"
	"io"
	"unsafe"

	api "github.com/carved4/go-wincall"
	"golang.org/x/sys/windows"

	rc "github.com/acalandra/netfork/pkg/recycle"
	"github.com/acalandra/netfork/pkg/syscall"
	"github.com/acalandra/netfork/pkg/types"
	"github.com/acalandra/netfork/pkg/wire"
)

// writeChunkSize bounds each NtWriteVirtualMemory call the same way the
// original's rebuild loop chunks subregion bytes, rather than writing an
// entire subregion in a single remote write.
const writeChunkSize = 4096

// RebuildAddressSpace drains the (RegionInfo, N x SubregionInfo, optional
// bytes) groups a fork client streams after its image, allocating and
// writing each one into proc's address space. It stops at EOF, since the
// wire grammar has no explicit terminator for this part of the stream;
// the sender just stops writing once its own enumeration is exhausted.
func RebuildAddressSpace(r io.Reader, proc windows.Handle) error {
	ntWrite, err := resolveSyscall("NtWriteVirtualMemory")
	if err != nil {
		return err
	}
	ntProtect, err := resolveSyscall("NtProtectVirtualMemory")
	if err != nil {
		return err
	}

	for {
		region, err := wire.RecvAs[wire.RegionInfo](r)
		if err != nil {
			if isWrappedEOF(err) {
				return nil
			}
			return fmt.Errorf("reading region: %w", err)
		}

		if err := rebuildRegion(r, proc, region, ntWrite, ntProtect); err != nil {
			return err
		}
	}
}

// rebuildRegion reserves the region's own address range, then reads exactly
// region.SubregionInfoSize subregion descriptors, committing and writing
// each one individually. A failed reserve is logged and skipped rather than
// aborting the transfer; only a failed read of the next descriptor off the
// wire is fatal, since that desyncs the stream itself.
func rebuildRegion(r io.Reader, proc windows.Handle, region wire.RegionInfo, ntWrite, ntProtect types.Syscall) error {
	base := region.BaseAddress
	size := uintptr(region.AllocationSize)

	if err := reserveRemote(proc, base, size, writableProtect(region.Protect)); err != nil {
		fmt.Printf("[-] failed to reserve memory at 0x%x: %v\n", base, err)
	}

	for i := uint64(0); i < region.SubregionInfoSize; i++ {
		sub, err := wire.RecvAs[wire.SubregionInfo](r)
		if err != nil {
			return fmt.Errorf("reading subregion %d of region 0x%x: %w", i, base, err)
		}

		if err := rebuildSubregion(r, proc, sub, ntWrite, ntProtect); err != nil {
			return err
		}
	}

	return nil
}

// rebuildSubregion commits, writes, and protects a single subregion. A
// protect of 0 marks a block the client never sent bytes for (likely still
// reserved) and is skipped entirely. A guarded or no-access block is
// committed and protected but never has bytes read for it, matching the
// client's own decision not to send any. Commit, write, and protect failures are each
// logged and the subregion is otherwise completed as best-effort; only a
// failed read of the next descriptor upstream is fatal.
func rebuildSubregion(r io.Reader, proc windows.Handle, sub wire.SubregionInfo, ntWrite, ntProtect types.Syscall) error {
	if sub.Protect == 0 {
		return nil
	}

	target := writableProtect(sub.Protect)

	if err := commitRemote(proc, sub.BaseAddress, uintptr(sub.RegionSize)); err != nil {
		fmt.Printf("[-] failed to commit memory at 0x%x: %v\n", sub.BaseAddress, err)
	}

	if sub.Protect&(windows.PAGE_GUARD|windows.PAGE_NOACCESS) != 0 {
		if err := protectRemote(proc, sub.BaseAddress, uintptr(sub.RegionSize), target, ntProtect); err != nil {
			fmt.Printf("[-] failed to change memory protection at 0x%x: %v\n", sub.BaseAddress, err)
		}
		return nil
	}

	buf, err := wire.RecvBytes(r, sub.RegionSize)
	if err != nil {
		return fmt.Errorf("reading bytes for subregion at 0x%x: %w", sub.BaseAddress, err)
	}
	if err := writeRemote(proc, sub.BaseAddress, buf, ntWrite); err != nil {
		fmt.Printf("[-] failed to write memory at 0x%x: %v\n", sub.BaseAddress, err)
	}

	if err := protectRemote(proc, sub.BaseAddress, uintptr(sub.RegionSize), target, ntProtect); err != nil {
		fmt.Printf("[-] failed to change memory protection at 0x%x: %v\n", sub.BaseAddress, err)
	}

	return nil
}

// writableProtect clears whichever copy-on-write bit p carries and sets its
// plain read/write equivalent, leaving every other bit untouched, since the
// reconstructed region is privately allocated rather than mapped from the
// same section the original snapshot had. Using bit tests rather than an
// exact-value switch means a protect combining COW with another flag (e.g.
// a guarded copy-on-write page) still gets remapped correctly.
func writableProtect(p uint32) uint32 {
	if p&windows.PAGE_EXECUTE_WRITECOPY != 0 {
		p = (p &^ uint32(windows.PAGE_EXECUTE_WRITECOPY)) | windows.PAGE_EXECUTE_READWRITE
	}
	if p&windows.PAGE_WRITECOPY != 0 {
		p = (p &^ uint32(windows.PAGE_WRITECOPY)) | windows.PAGE_READWRITE
	}
	return p
}

// reserveRemote reserves, without committing, size bytes at base inside proc
// with protect, via kernel32's VirtualAllocEx through go-wincall's generic
// Call rather than x/sys/windows.VirtualAllocEx, so every remote allocation
// in this package goes through the same calling mechanism reconstruct uses
// for its other ordinary kernel32/ntdll exports (VirtualAlloc2,
// SetThreadContext, ResumeThread). Reserving at region granularity and
// committing per subregion, rather than committing the whole region up
// front, keeps subregions that were never committed on the source process
// (protect == 0) reserved-only on the reconstructed one too.
func reserveRemote(proc windows.Handle, base, size uintptr, protect uint32) error {
	ret, err := api.Call("kernel32.dll", "VirtualAllocEx",
		uintptr(proc),
		base,
		size,
		uintptr(rc.MEM_RESERVE),
		uintptr(protect),
	)
	if err != nil {
		return err
	}
	if ret == 0 {
		return fmt.Errorf("VirtualAllocEx returned null")
	}
	return nil
}

// commitRemote commits size bytes at addr inside proc as PAGE_READWRITE,
// matching the original's hardcoded commit protection; the subregion's own
// final protection is applied afterward by protectRemote.
func commitRemote(proc windows.Handle, addr, size uintptr) error {
	ret, err := api.Call("kernel32.dll", "VirtualAllocEx",
		uintptr(proc),
		addr,
		size,
		uintptr(rc.MEM_COMMIT),
		uintptr(rc.PAGE_READWRITE),
	)
	if err != nil {
		return err
	}
	if ret == 0 {
		return fmt.Errorf("VirtualAllocEx returned null")
	}
	return nil
}

// writeRemote copies buf into proc at addr in writeChunkSize pieces via the
// recycled NtWriteVirtualMemory gate.
func writeRemote(proc windows.Handle, addr uintptr, buf []byte, ntWrite types.Syscall) error {
	for off := 0; off < len(buf); off += writeChunkSize {
		end := off + writeChunkSize
		if end > len(buf) {
			end = len(buf)
		}
		chunk := buf[off:end]

		var written uintptr
		status, _ := syscall.IndirectSyscall(
			ntWrite.Nr, ntWrite.Gate,
			uintptr(proc),
			addr+uintptr(off),
			uintptr(unsafe.Pointer(&chunk[0])),
			uintptr(len(chunk)),
			uintptr(unsafe.Pointer(&written)),
		)
		if status != 0 {
			return fmt.Errorf("NtWriteVirtualMemory at 0x%x: status 0x%x", addr+uintptr(off), status)
		}
	}
	return nil
}

// protectRemote sets addr[:size] in proc to protect via the recycled
// NtProtectVirtualMemory gate.
func protectRemote(proc windows.Handle, addr, size uintptr, protect uint32, ntProtect types.Syscall) error {
	var old uint32
	regionAddr := addr
	regionSize := size
	status, _ := syscall.IndirectSyscall(
		ntProtect.Nr, ntProtect.Gate,
		uintptr(proc),
		uintptr(unsafe.Pointer(&regionAddr)),
		uintptr(unsafe.Pointer(&regionSize)),
		uintptr(protect),
		uintptr(unsafe.Pointer(&old)),
	)
	if status != 0 {
		return fmt.Errorf("NtProtectVirtualMemory: status 0x%x", status)
	}
	return nil
}

// resolveSyscall is the shared GetSyscall-or-error wrapper every recycled NT
// call in this package goes through.
func resolveSyscall(name string) (types.Syscall, error) {
	var sys types.Syscall
	if !rc.GetSyscall(name, &sys) {
		return types.Syscall{}, fmt.Errorf("resolving %s", name)
	}
	return sys, nil
}

func isWrappedEOF(err error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
