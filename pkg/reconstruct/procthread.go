package reconstruct

import (
	"fmt"
	"os"
	"unsafe"

	api "github.com/carved4/go-wincall"
	"golang.org/x/sys/windows"

	rc "github.com/acalandra/netfork/pkg/recycle"
	"github.com/acalandra/netfork/pkg/syscall"
	"github.com/acalandra/netfork/pkg/types"
)

// maxPath bounds the DOS-form path GetFinalPathNameByHandleW writes, same
// limit the original checks the required buffer size against.
const maxPath = 260

// CreateForkedProcess maps imageFile as a SEC_IMAGE section, spins up a
// process around it, and rewires that process's PEB.ProcessParameters to
// point at a parameter block built for the image's own path, the same
// sequence create_forked_process in the original walks through, using
// NtCreateSection/NtCreateProcessEx/NtQueryInformationProcess gates resolved
// the way pkg/recycle resolves every other syscall in this repository, and
// RtlCreateProcessParametersEx/RtlDeNormalizeProcessParams through
// go-wincall's generic Call since neither is a syscall stub recycle can
// find a gate for.
func CreateForkedProcess(imageFile *os.File) (windows.Handle, error) {
	section, err := createImageSection(imageFile)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(section)

	proc, err := createProcessFromSection(section)
	if err != nil {
		return 0, err
	}

	pebAddr, err := queryPEBAddress(proc)
	if err != nil {
		windows.CloseHandle(proc)
		return 0, err
	}

	if err := installProcessParameters(proc, imageFile, pebAddr); err != nil {
		windows.CloseHandle(proc)
		return 0, err
	}

	return proc, nil
}

// createImageSection maps imageFile's handle into a SEC_IMAGE section via
// the recycled NtCreateSection gate.
func createImageSection(imageFile *os.File) (windows.Handle, error) {
	ntCreateSection, err := resolveSyscall("NtCreateSection")
	if err != nil {
		return 0, err
	}

	var section uintptr
	status, _ := syscall.IndirectSyscall(
		ntCreateSection.Nr, ntCreateSection.Gate,
		uintptr(unsafe.Pointer(&section)),
		uintptr(rc.SECTION_ALL_ACCESS),
		0,
		0,
		uintptr(rc.PAGE_READONLY),
		uintptr(rc.SEC_IMAGE),
		imageFile.Fd(),
	)
	if status != 0 {
		return 0, fmt.Errorf("NtCreateSection: status 0x%x", status)
	}
	return windows.Handle(section), nil
}

// createProcessFromSection creates a new process backed by section, parented
// to the calling process, via the recycled NtCreateProcessEx gate.
func createProcessFromSection(section windows.Handle) (windows.Handle, error) {
	ntCreateProcessEx, err := resolveSyscall("NtCreateProcessEx")
	if err != nil {
		return 0, err
	}

	var proc uintptr
	status, _ := syscall.IndirectSyscall(
		ntCreateProcessEx.Nr, ntCreateProcessEx.Gate,
		uintptr(unsafe.Pointer(&proc)),
		uintptr(rc.PROCESS_ALL_ACCESS),
		0,
		uintptr(windows.CurrentProcess()),
		0,
		uintptr(section),
		0,
		0,
		0,
	)
	if status != 0 {
		return 0, fmt.Errorf("NtCreateProcessEx: status 0x%x", status)
	}
	return windows.Handle(proc), nil
}

// queryPEBAddress reads proc's PEB base address via the recycled
// NtQueryInformationProcess gate with ProcessBasicInformation.
func queryPEBAddress(proc windows.Handle) (uintptr, error) {
	ntQueryInformationProcess, err := resolveSyscall("NtQueryInformationProcess")
	if err != nil {
		return 0, err
	}

	var info types.PROCESS_BASIC_INFORMATION
	status, _ := syscall.IndirectSyscall(
		ntQueryInformationProcess.Nr, ntQueryInformationProcess.Gate,
		uintptr(proc),
		uintptr(rc.ProcessBasicInformation),
		uintptr(unsafe.Pointer(&info)),
		unsafe.Sizeof(info),
		0,
	)
	if status != 0 {
		return 0, fmt.Errorf("NtQueryInformationProcess(ProcessBasicInformation): status 0x%x", status)
	}
	return uintptr(unsafe.Pointer(info.PebBaseAddress)), nil
}

// installProcessParameters builds an RTL_USER_PROCESS_PARAMETERS block
// naming imageFile's own path, denormalizes it, writes it into proc's
// address space, and patches proc's PEB to point at the remote copy.
func installProcessParameters(proc windows.Handle, imageFile *os.File, pebAddr uintptr) error {
	imagePath, err := finalPathName(imageFile)
	if err != nil {
		return err
	}

	var imageName, windowName types.UNICODE_STRING
	if _, err := api.Call("ntdll.dll", "RtlInitUnicodeString", uintptr(unsafe.Pointer(&imageName)), strPtr(imagePath)); err != nil {
		return fmt.Errorf("RtlInitUnicodeString(image): %w", err)
	}
	windowTitle := "netforked process"
	if _, err := api.Call("ntdll.dll", "RtlInitUnicodeString", uintptr(unsafe.Pointer(&windowName)), strPtr(windowTitle)); err != nil {
		return fmt.Errorf("RtlInitUnicodeString(window): %w", err)
	}

	var params *types.RTL_USER_PROCESS_PARAMETERS
	status, err := api.Call("ntdll.dll", "RtlCreateProcessParametersEx",
		uintptr(unsafe.Pointer(&params)),
		uintptr(unsafe.Pointer(&imageName)),
		0,
		0,
		uintptr(unsafe.Pointer(&imageName)),
		0,
		uintptr(unsafe.Pointer(&windowName)),
		0,
		0,
		0,
		uintptr(rc.RTL_USER_PROC_PARAMS_NORMALIZED),
	)
	if err != nil || status != 0 {
		return fmt.Errorf("RtlCreateProcessParametersEx: status 0x%x, err %v", status, err)
	}
	defer api.Call("ntdll.dll", "RtlDestroyProcessParameters", uintptr(unsafe.Pointer(params)))

	paramsSize := uintptr(params.MaximumLength) + params.EnvironmentSize

	paramsRemote, err := api.Call("kernel32.dll", "VirtualAlloc2",
		uintptr(proc), 0, paramsSize,
		uintptr(rc.MEM_RESERVE|rc.MEM_COMMIT), uintptr(rc.PAGE_READWRITE), 0, 0,
	)
	if err != nil || paramsRemote == 0 {
		return fmt.Errorf("VirtualAlloc2 for process parameters: %w", err)
	}

	if _, err := api.Call("ntdll.dll", "RtlDeNormalizeProcessParams", uintptr(unsafe.Pointer(params))); err != nil {
		return fmt.Errorf("RtlDeNormalizeProcessParams: %w", err)
	}

	// Denormalization turns every other pointer field into an offset from
	// params, but Environment is left as an absolute local pointer; adjust
	// it to the matching remote address by hand, exactly as the original
	// does with pointer arithmetic.
	params.Environment += paramsRemote - uintptr(unsafe.Pointer(params))

	ntWriteVirtualMemory, err := resolveSyscall("NtWriteVirtualMemory")
	if err != nil {
		return err
	}

	status64, _ := syscall.IndirectSyscall(
		ntWriteVirtualMemory.Nr, ntWriteVirtualMemory.Gate,
		uintptr(proc), paramsRemote,
		uintptr(unsafe.Pointer(params)), paramsSize, 0,
	)
	if status64 != 0 {
		return fmt.Errorf("writing process parameters: status 0x%x", status64)
	}

	pebProcessParamsFieldOffset := unsafe.Offsetof(types.PEB{}.ProcessParameters)
	status64, _ = syscall.IndirectSyscall(
		ntWriteVirtualMemory.Nr, ntWriteVirtualMemory.Gate,
		uintptr(proc), pebAddr+pebProcessParamsFieldOffset,
		uintptr(unsafe.Pointer(&paramsRemote)), unsafe.Sizeof(paramsRemote), 0,
	)
	if status64 != 0 {
		return fmt.Errorf("patching PEB.ProcessParameters: status 0x%x", status64)
	}

	return nil
}

// finalPathName returns f's fully-qualified DOS-form path, the same form
// GetFinalPathNameByHandleW(FILE_NAME_NORMALIZED|VOLUME_NAME_DOS) produces.
func finalPathName(f *os.File) (string, error) {
	buf := make([]uint16, maxPath)
	const flags = windows.FILE_NAME_NORMALIZED | windows.VOLUME_NAME_DOS
	n, err := windows.GetFinalPathNameByHandle(windows.Handle(f.Fd()), &buf[0], uint32(len(buf)), flags)
	if err != nil {
		return "", fmt.Errorf("GetFinalPathNameByHandle: %w", err)
	}
	if n == 0 || n > maxPath {
		return "", fmt.Errorf("unexpected final path length %d", n)
	}
	return windows.UTF16ToString(buf[:n]), nil
}

func strPtr(s string) uintptr {
	p, err := windows.UTF16PtrFromString(s)
	if err != nil {
		return 0
	}
	return uintptr(unsafe.Pointer(p))
}

// CreateForkedThread creates proc's initial thread suspended at its own
// image's transfer address, then installs threadContext on it, the same
// two-step create_forked_thread in the original performs, with
// NtQueryInformationProcess/NtCreateThreadEx resolved through pkg/recycle
// and SetThreadContext issued through go-wincall's generic Call.
func CreateForkedThread(proc windows.Handle, threadContext *types.Context) (windows.Handle, error) {
	ntQueryInformationProcess, err := resolveSyscall("NtQueryInformationProcess")
	if err != nil {
		return 0, err
	}

	var imageInfo types.SECTION_IMAGE_INFORMATION
	status, _ := syscall.IndirectSyscall(
		ntQueryInformationProcess.Nr, ntQueryInformationProcess.Gate,
		uintptr(proc),
		uintptr(rc.ProcessImageInformation),
		uintptr(unsafe.Pointer(&imageInfo)),
		unsafe.Sizeof(imageInfo),
		0,
	)
	if status != 0 {
		return 0, fmt.Errorf("NtQueryInformationProcess(ProcessImageInformation): status 0x%x", status)
	}

	ntCreateThreadEx, err := resolveSyscall("NtCreateThreadEx")
	if err != nil {
		return 0, err
	}

	var thread uintptr
	status, _ = syscall.IndirectSyscall(
		ntCreateThreadEx.Nr, ntCreateThreadEx.Gate,
		uintptr(unsafe.Pointer(&thread)),
		uintptr(rc.THREAD_ALL_ACCESS),
		0,
		uintptr(proc),
		imageInfo.TransferAddress,
		0,
		uintptr(rc.THREAD_CREATE_FLAGS_CREATE_SUSPENDED),
		uintptr(imageInfo.ZeroBits),
		imageInfo.CommittedStackSize,
		imageInfo.MaximumStackSize,
		0,
	)
	if status != 0 {
		return 0, fmt.Errorf("NtCreateThreadEx: status 0x%x", status)
	}

	if _, err := api.Call("kernel32.dll", "SetThreadContext", thread, uintptr(unsafe.Pointer(threadContext))); err != nil {
		windows.CloseHandle(windows.Handle(thread))
		return 0, fmt.Errorf("SetThreadContext: %w", err)
	}

	return windows.Handle(thread), nil
}
