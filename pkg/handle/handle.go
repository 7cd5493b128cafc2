// Package handle wraps OS handles so every NtClose/CloseHandle is paired
// with the call that acquired it, the same discipline the RAII handle
// wrappers this repository is ported from enforce at compile time. Go has no
// destructors, so the discipline here is "construct, defer Close, Detach on
// the path that keeps it".
package handle

import (
	"fmt"

	"golang.org/x/sys/windows"

	rc "github.com/acalandra/netfork/pkg/recycle"
	"github.com/acalandra/netfork/pkg/syscall"
	"github.com/acalandra/netfork/pkg/types"
)

// Handle owns a windows.Handle closed via NtClose-equivalent semantics.
// The zero value is not valid; use New.
type Handle struct {
	h      windows.Handle
	closed bool
	detach bool
}

// New wraps h for deferred cleanup.
func New(h windows.Handle) *Handle {
	return &Handle{h: h}
}

// Valid reports whether the wrapped handle is non-null and not yet closed.
func (h *Handle) Valid() bool {
	return h != nil && !h.closed && h.h != 0 && h.h != windows.InvalidHandle
}

// Value returns the underlying handle for use in a syscall.
func (h *Handle) Value() windows.Handle {
	return h.h
}

// Close releases the handle unless it has been detached or already closed.
func (h *Handle) Close() error {
	if h == nil || h.closed || h.detach {
		return nil
	}
	h.closed = true
	if h.h == 0 || h.h == windows.InvalidHandle {
		return nil
	}
	return windows.CloseHandle(h.h)
}

// Detach suppresses the next Close, handing ownership to the caller. Used
// when a handle must outlive the scope that created it.
func (h *Handle) Detach() windows.Handle {
	h.detach = true
	return h.h
}

// ProcessHandle is a Handle whose Close tears the process down rather than
// just closing a handle to it, matching the original's attached_process_deleter:
// the reconstructed process is "attached" until Release lets it go, and an
// abort anywhere before that point must kill it rather than leave a
// suspended, never-resumed process behind.
type ProcessHandle struct {
	Handle
}

// NewProcess wraps a process handle for deferred cleanup.
func NewProcess(h windows.Handle) *ProcessHandle {
	return &ProcessHandle{Handle: Handle{h: h}}
}

// Release detaches the process handle without closing or terminating it,
// for the success path where the reconstructed process must keep running
// after the server walks away.
func (p *ProcessHandle) Release() windows.Handle {
	return p.Detach()
}

// Close terminates the process via NtTerminateProcess before closing the
// handle, unless Release was already called. A process that only got as far
// as CreateForkedProcess before some later step failed would otherwise be
// left suspended and never resumed; the original's attached_process_deleter
// runs NtTerminateProcess then NtClose for exactly this case.
func (p *ProcessHandle) Close() error {
	if p == nil || p.closed || p.detach {
		return nil
	}
	if p.h != 0 && p.h != windows.InvalidHandle {
		var ntTerminateProcess types.Syscall
		if rc.GetSyscall("NtTerminateProcess", &ntTerminateProcess) {
			syscall.IndirectSyscall(
				ntTerminateProcess.Nr, ntTerminateProcess.Gate,
				uintptr(p.h), uintptr(rc.STATUS_UNSUCCESSFUL),
			)
		} else {
			fmt.Println("[-] failed to resolve NtTerminateProcess; closing handle without terminating")
		}
	}
	return p.Handle.Close()
}
