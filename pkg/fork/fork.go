// Package fork implements the client side of a remote fork: capture this
// process's CPU state, PEB, TEB, and address space, and stream all of it to
// a server that will reconstitute a second, running copy of this process.
package fork

import (
	"fmt"
	"io"
	"runtime"
	"unsafe"

	api "github.com/carved4/go-wincall"

	"github.com/acalandra/netfork/pkg/syscall"
	"github.com/acalandra/netfork/pkg/types"
	"github.com/acalandra/netfork/pkg/vm"
	"github.com/acalandra/netfork/pkg/wire"
)

// Result discriminates the three ways Fork can return.
type Result int

const (
	ResultError  Result = 0
	ResultParent Result = 1
	ResultChild  Result = 2
)

// IsChild reports whether this return of Fork happened inside the
// reconstituted process.
func (r Result) IsChild() bool { return r == ResultChild }

// IsParent reports whether this return of Fork happened on the calling
// host, after the whole snapshot was sent.
func (r Result) IsParent() bool { return r == ResultParent }

// Fork captures the calling process and streams it to w. It returns twice:
// once here, on the calling host, once streaming finishes (ResultParent);
// and once more inside the process a server reconstitutes from the stream,
// at the instant that process's thread resumes (ResultChild). Both returns
// share this call site and this stack frame, which is the entire trick.
//
// override, when non-nil, replaces the captured CPU state sent to the
// server, letting a caller choose where the reconstituted process resumes
// instead of resuming here.
//
// Go goroutines do not own a fixed OS stack the way the native thread this
// technique targets does: the runtime can migrate a goroutine to a
// different OS thread or grow its stack at any call boundary, either of
// which would invalidate the Rsp/Rip pair captured below. Fork locks the
// calling goroutine to its OS thread for its own duration and keeps the
// capture/compare/send sequence shallow to minimize that window, but it
// does not have the static-stack guarantee the original technique relies
// on, and a long-running goroutine that triggers a stack grow between capture
// and the address-space transfer completing can still desync the two
// processes.
func Fork(w io.Writer, override *types.Context) (Result, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var current types.Context
	current.ContextFlags = types.ContextAll
	syscall.CaptureContext(uintptr(unsafe.Pointer(&current)))

	if Result(current.Rax) == ResultChild {
		return ResultChild, nil
	}

	current.Rax = uint64(ResultChild)

	toSend := &current
	if override != nil {
		toSend = override
	}

	if err := wire.SendAs(w, toSend); err != nil {
		return ResultError, fmt.Errorf("sending context: %w", err)
	}

	peb, err := capturePEB()
	if err != nil {
		return ResultError, fmt.Errorf("capturing PEB: %w", err)
	}
	if err := wire.SendAs(w, peb); err != nil {
		return ResultError, fmt.Errorf("sending PEB: %w", err)
	}

	teb := captureTEB()
	if err := wire.SendAs(w, teb); err != nil {
		return ResultError, fmt.Errorf("sending TEB: %w", err)
	}

	imageBase, imageSize, err := imageInfo(peb)
	if err != nil {
		return ResultError, fmt.Errorf("reading image info: %w", err)
	}
	if err := wire.SendUint32(w, imageSize); err != nil {
		return ResultError, fmt.Errorf("sending image size: %w", err)
	}

	if err := sendImageBytes(w, imageBase); err != nil {
		return ResultError, fmt.Errorf("sending image bytes: %w", err)
	}

	if err := sendAddressSpace(w, imageBase); err != nil {
		return ResultError, fmt.Errorf("sending address space: %w", err)
	}

	return ResultParent, nil
}

// capturePEB copies the current process's PEB under the loader lock, the
// same window RtlAcquirePebLock/RtlReleasePebLock protect in the original.
func capturePEB() (*types.PEB, error) {
	addr := syscall.GetPEB()
	if addr == 0 {
		return nil, fmt.Errorf("GetPEB returned null")
	}

	if _, err := api.Call("ntdll.dll", "RtlAcquirePebLock"); err != nil {
		return nil, fmt.Errorf("RtlAcquirePebLock: %w", err)
	}
	peb := *(*types.PEB)(unsafe.Pointer(addr))
	if _, err := api.Call("ntdll.dll", "RtlReleasePebLock"); err != nil {
		return nil, fmt.Errorf("RtlReleasePebLock: %w", err)
	}

	return &peb, nil
}

func captureTEB() *types.TEB {
	addr := syscall.GetTEB()
	teb := *(*types.TEB)(unsafe.Pointer(addr))
	return &teb
}

// imageInfo reads the running image's base and size straight out of its own
// mapped PE headers, the same DOS/NT header overlay pkg/recycle uses to walk
// ntdll's headers.
func imageInfo(peb *types.PEB) (uintptr, uint32, error) {
	base := peb.ImageBaseAddress
	if base == 0 {
		return 0, 0, fmt.Errorf("PEB image base is null")
	}

	dos := (*types.ImageDosHeader)(unsafe.Pointer(base))
	if dos.Signature != 0x5A4D {
		return 0, 0, fmt.Errorf("invalid DOS header at image base")
	}

	nt := (*types.ImageNtHeaders)(unsafe.Pointer(base + uintptr(dos.ElfanewOffset)))
	if nt.Signature != 0x00004550 {
		return 0, 0, fmt.Errorf("invalid NT headers at image base")
	}

	return base, nt.OptionalHeader.SizeOfImage, nil
}

// sendImageBytes streams only the raw bytes of the running image's own
// allocation, filtering out the region/subregion descriptors the general
// address-space walk would otherwise also emit for it.
func sendImageBytes(w io.Writer, imageBase uintptr) error {
	enum := vm.NewEnumerator(vm.Image(imageBase))
	for {
		rec, ok, err := enum.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if rec.Kind != vm.KindSubregionBytes {
			continue
		}
		if err := wire.SendBytes(w, rec.Bytes); err != nil {
			return err
		}
	}
}

// sendAddressSpace streams every region outside the image as a (region,
// subregions, optional bytes) group per the wire grammar.
func sendAddressSpace(w io.Writer, imageBase uintptr) error {
	enum := vm.NewEnumerator(vm.NotImage(imageBase))
	for {
		rec, ok, err := enum.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		switch rec.Kind {
		case vm.KindRegion:
			wireRegion := wire.RegionInfo{
				BaseAddress:       rec.Region.BaseAddress,
				Protect:           rec.Region.Protect,
				AllocationSize:    rec.Region.AllocationSize,
				SubregionInfoSize: rec.Region.SubregionCount,
			}
			if err := wire.SendAs(w, &wireRegion); err != nil {
				return err
			}
		case vm.KindSubregion:
			wireSub := wire.SubregionInfo{
				BaseAddress: rec.Subregion.BaseAddress,
				RegionSize:  rec.Subregion.RegionSize,
				Protect:     rec.Subregion.Protect,
			}
			if err := wire.SendAs(w, &wireSub); err != nil {
				return err
			}
		case vm.KindSubregionBytes:
			if err := wire.SendBytes(w, rec.Bytes); err != nil {
				return err
			}
		}
	}
}
