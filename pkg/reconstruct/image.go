// Package reconstruct implements the server half of a netfork transfer:
// receive a snapshot, materialize its image, rebuild its address space, and
// assemble a suspended process and thread around it before resuming.
package reconstruct

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"unsafe"

	debugpe "github.com/Binject/debug/pe"
	"golang.org/x/sys/windows"

	"github.com/acalandra/netfork/pkg/types"
)

// MaterializeImage receives size bytes of image data off r, patches the PE
// headers so the forked process can load the image at its original virtual
// layout, and persists the result to a temp file marked
// FILE_ATTRIBUTE_TEMPORARY. The file is not opened delete-on-close: the
// caller removes it once done with it. The returned file is left open and
// positioned for NtCreateSection to map as SEC_IMAGE.
func MaterializeImage(r io.Reader, size uint32, forkedPEB *types.PEB) (*os.File, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("receiving image bytes: %w", err)
	}

	if err := validatePE(buf); err != nil {
		return nil, fmt.Errorf("received image: %w", err)
	}

	if err := modifyPEForExecution(buf, forkedPEB); err != nil {
		return nil, fmt.Errorf("patching image: %w", err)
	}

	f, err := createTemporaryImage(size)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing patched image: %w", err)
	}

	return f, nil
}

// createTemporaryImage allocates a temp file, not delete-on-close, sized to hold
// the incoming image, named with os.CreateTemp's random-suffix convention
// rather than the fixed name the original used, so a stale file from a
// prior crashed run can't collide with it.
func createTemporaryImage(size uint32) (*os.File, error) {
	f, err := os.CreateTemp("", "netforked-image-*.exe")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	if err := windows.SetFileAttributes(f.Name(), windows.FILE_ATTRIBUTE_TEMPORARY); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("setting temporary attribute: %w", err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("sizing temp file: %w", err)
	}

	return f, nil
}

// validatePE parses buf purely to sanity check the received bytes before
// anything attempts to map them; the patch below still edits the headers in
// place rather than re-serializing, since only a byte-exact copy guarantees
// the same virtual layout the client saw.
func validatePE(buf []byte) error {
	f, err := debugpe.NewFile(bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("did not parse as PE: %w", err)
	}
	if len(f.Sections) == 0 {
		return fmt.Errorf("PE has no sections")
	}
	return nil
}

// modifyPEForExecution patches the in-memory image so it can be mapped
// directly into the forked process: it rewrites ImageBase to the address
// the running process actually had it mapped at, clears the dynamic-base
// flag (the forked process's section may not land at the same address an
// ASLR-relocated load would otherwise expect), and rewrites every section's
// PointerToRawData/SizeOfRawData to match its virtual offset/size, since
// the forked process's loader will treat this file as if it were loaded
// from disk rather than already resident in memory.
func modifyPEForExecution(buf []byte, forkedPEB *types.PEB) error {
	if len(buf) < 0x40 {
		return fmt.Errorf("image too small for a DOS header")
	}

	dos := (*types.ImageDosHeader)(unsafe.Pointer(&buf[0]))
	if dos.Signature != 0x5A4D {
		return fmt.Errorf("invalid DOS signature")
	}
	if int(dos.ElfanewOffset)+int(unsafe.Sizeof(types.ImageNtHeaders{})) > len(buf) {
		return fmt.Errorf("NT headers run past end of image")
	}

	nt := (*types.ImageNtHeaders)(unsafe.Pointer(&buf[dos.ElfanewOffset]))
	if nt.Signature != 0x00004550 {
		return fmt.Errorf("invalid NT signature")
	}

	nt.OptionalHeader.ImageBase = uint64(forkedPEB.ImageBaseAddress)
	const imageDllCharacteristicsDynamicBase = 0x0040
	nt.OptionalHeader.DllCharacteristics &^= imageDllCharacteristicsDynamicBase

	sectionOffset := int(dos.ElfanewOffset) + int(unsafe.Sizeof(*nt))
	sectionSize := int(unsafe.Sizeof(types.ImageSectionHeader{}))
	for i := 0; i < int(nt.FileHeader.NumberOfSections); i++ {
		off := sectionOffset + i*sectionSize
		if off+sectionSize > len(buf) {
			return fmt.Errorf("section header %d runs past end of image", i)
		}
		sec := (*types.ImageSectionHeader)(unsafe.Pointer(&buf[off]))
		sec.PointerToRawData = sec.VirtualAddress
		sec.SizeOfRawData = sec.VirtualSize
	}

	return nil
}
