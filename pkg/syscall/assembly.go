package syscall

import (
	"fmt"
	"unsafe"

	stdsyscall "syscall"

	"golang.org/x/sys/windows"
)

// gateScanWindow bounds how far scanForGate looks past an export's entry
// point for a `syscall; ret` tail, mirroring the stub size recycle scans.
const gateScanWindow = 32

//go:noescape
func GetPEB() uintptr

//go:noescape
func GetTEB() uintptr

//go:noescape
func WalkLDR(ldrPtr uintptr) uintptr

//go:noescape
func GetNextModule(currentModule uintptr) uintptr

//go:noescape
func ReadModuleBase(modulePtr uintptr) uintptr

//go:noescape
func ReadModuleTimestamp(modulePtr uintptr) uint32

//go:noescape
func ReadModuleName(modulePtr uintptr) (length uint16, buffer uintptr)

//go:noescape
func CaptureContext(ctx uintptr)

// IndirectSyscall issues the NT syscall identified by syscallNum without ever
// executing the (possibly hooked) prologue of the real ntdll export. gate must
// address a verified `syscall; ret` tail, either the export's own tail or a
// neighbor recycled by the resolver. A tiny "mov r10, rcx; mov eax, ssn; mov r11,
// gate; jmp r11" stub is built in freshly allocated memory and invoked once through the
// standard library's own argument-marshaling syscall path, then discarded.
func IndirectSyscall(syscallNum uint16, gate uintptr, args ...uintptr) (uintptr, error) {
	if !looksLikeGate(gate) {
		if found := scanForGate(gate); found != 0 {
			gate = found
		} else {
			return 0, fmt.Errorf("no syscall;ret gate found near 0x%x", gate)
		}
	}

	stub, err := buildDispatchStub(syscallNum, gate)
	if err != nil {
		return 0, fmt.Errorf("building dispatch stub: %w", err)
	}
	defer windows.VirtualFree(stub, 0, windows.MEM_RELEASE)

	r1, _, _ := stdsyscall.SyscallN(stub, args...)
	return r1, nil
}

// buildDispatchStub writes:
//
//	49 89 CA                  mov r10, rcx
//	B8 ss ss 00 00             mov eax, ssn
//	49 BB (8 bytes)            mov r11, gate
//	41 FF E3                   jmp r11
//
// into a fresh RWX page. The mov r10,rcx replicates the instruction every
// clean ntdll stub executes immediately before `syscall`; because gate points
// straight at `syscall; ret` we must perform it ourselves. The jump goes
// through r11 so that eax still holds ssn when `syscall` executes.
func buildDispatchStub(ssn uint16, gate uintptr) (uintptr, error) {
	code := make([]byte, 0, 21)
	code = append(code, 0x49, 0x89, 0xCA)
	code = append(code, 0xB8, byte(ssn), byte(ssn>>8), 0x00, 0x00)
	code = append(code, 0x49, 0xBB)
	for i := 0; i < 8; i++ {
		code = append(code, byte(gate>>(8*i)))
	}
	code = append(code, 0x41, 0xFF, 0xE3)

	addr, err := windows.VirtualAlloc(0, uintptr(len(code)), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, err
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code))
	copy(dst, code)
	return addr, nil
}

// looksLikeGate checks for 0f 05 c3 at the given address.
func looksLikeGate(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	b := (*[3]byte)(unsafe.Pointer(addr))
	return b[0] == 0x0f && b[1] == 0x05 && b[2] == 0xc3
}

// scanForGate looks forward from addr for a `syscall; ret` tail, covering the
// case where a caller hands us a module export's entry point rather than an
// already-resolved gate.
func scanForGate(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	b := (*[gateScanWindow]byte)(unsafe.Pointer(addr))
	for i := 0; i < gateScanWindow-2; i++ {
		if b[i] == 0x0f && b[i+1] == 0x05 && b[i+2] == 0xc3 {
			return addr + uintptr(i)
		}
	}
	return 0
}
