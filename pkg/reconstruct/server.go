package reconstruct

import (
	"fmt"
	"io"
	"os"

	api "github.com/carved4/go-wincall"
	"golang.org/x/sys/windows"

	"github.com/acalandra/netfork/pkg/handle"
	"github.com/acalandra/netfork/pkg/types"
	"github.com/acalandra/netfork/pkg/wire"
)

// Outcome reports what became of a single netfork transfer: the
// reconstructed process's exit code, once it has run to completion.
type Outcome struct {
	ExitCode uint32
}

// ReceiveAndResume drives the whole server side of one netfork transfer off
// conn: read the ThreadContext/PEB/TEB/image-size header, materialize and
// patch the image, assemble a process around it, rebuild its address space,
// create and resume its thread, and wait for it to exit. It mirrors server.cpp's
// main() one phase at a time rather than as a single function, so each
// phase can be tested in isolation.
func ReceiveAndResume(conn io.Reader) (Outcome, error) {
	threadContext, err := wire.RecvAs[types.Context](conn)
	if err != nil {
		return Outcome{}, fmt.Errorf("receiving thread context: %w", err)
	}

	forkedPEB, err := wire.RecvAs[types.PEB](conn)
	if err != nil {
		return Outcome{}, fmt.Errorf("receiving PEB: %w", err)
	}

	if _, err := wire.RecvAs[types.TEB](conn); err != nil {
		return Outcome{}, fmt.Errorf("receiving TEB: %w", err)
	}

	imageSize, err := wire.RecvUint32(conn)
	if err != nil {
		return Outcome{}, fmt.Errorf("receiving image size: %w", err)
	}

	imageFile, err := MaterializeImage(conn, imageSize, &forkedPEB)
	if err != nil {
		return Outcome{}, fmt.Errorf("materializing image: %w", err)
	}
	defer os.Remove(imageFile.Name())
	defer imageFile.Close()

	proc, err := CreateForkedProcess(imageFile)
	if err != nil {
		return Outcome{}, fmt.Errorf("creating forked process: %w", err)
	}
	procHandle := handle.NewProcess(proc)
	defer procHandle.Close()

	if err := RebuildAddressSpace(conn, proc); err != nil {
		return Outcome{}, fmt.Errorf("rebuilding address space: %w", err)
	}

	thread, err := CreateForkedThread(proc, &threadContext)
	if err != nil {
		return Outcome{}, fmt.Errorf("creating forked thread: %w", err)
	}
	threadHandle := handle.New(thread)
	defer threadHandle.Close()

	if _, err := api.Call("kernel32.dll", "ResumeThread", uintptr(thread)); err != nil {
		return Outcome{}, fmt.Errorf("ResumeThread: %w", err)
	}

	if _, err := windows.WaitForSingleObject(proc, windows.INFINITE); err != nil {
		return Outcome{}, fmt.Errorf("WaitForSingleObject: %w", err)
	}

	var exitCode uint32
	if err := windows.GetExitCodeProcess(proc, &exitCode); err != nil {
		return Outcome{}, fmt.Errorf("GetExitCodeProcess: %w", err)
	}

	// The reconstructed process has already exited by this point; releasing
	// the handle keeps the deferred Close from running NtTerminateProcess on
	// it, and leaves the handle itself open.
	procHandle.Release()

	return Outcome{ExitCode: exitCode}, nil
}
