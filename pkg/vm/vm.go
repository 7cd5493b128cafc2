// Package vm walks the current process's address space the way
// VirtualQuery-based region enumeration always has: repeatedly query from
// address zero, skip free regions, group contiguous allocations together,
// and temporarily relax protection to read bytes out of regions that don't
// already allow it.
package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Kind discriminates the three record shapes the wire grammar interleaves.
type Kind int

const (
	KindRegion Kind = iota
	KindSubregion
	KindSubregionBytes
)

// Region mirrors the wire RegionInfo fields without the struct padding a
// caller shouldn't have to know about.
type Region struct {
	BaseAddress    uintptr
	Protect        uint32
	AllocationSize uint64
	SubregionCount uint64
}

// Subregion mirrors the wire SubregionInfo fields.
type Subregion struct {
	BaseAddress uintptr
	RegionSize  uint64
	Protect     uint32
}

// Record is one item off the enumerator: exactly one of Region, Subregion,
// or Bytes is meaningful, selected by Kind.
type Record struct {
	Kind      Kind
	Region    Region
	Subregion Subregion
	Bytes     []byte
}

// Predicate decides whether a region (identified by its first MBI) should be
// walked and yielded at all. Returning false skips the whole allocation.
type Predicate func(mbi *windows.MemoryBasicInformation) bool

// All accepts every non-free region, committed or reserved-only, the snapshot-capture
// default once the image region has been consumed separately.
func All(mbi *windows.MemoryBasicInformation) bool {
	return mbi.State != windows.MEM_FREE
}

// Image accepts only regions backed by the running executable's own image,
// used to drain the image bytes before the rest of the address space.
func Image(imageBase uintptr) Predicate {
	return func(mbi *windows.MemoryBasicInformation) bool {
		return mbi.State != windows.MEM_FREE && mbi.Type == windows.MEM_IMAGE && mbi.AllocationBase == imageBase
	}
}

// NotImage accepts every non-free region not of type image, used for the
// general address-space sweep once the image has been sent. It excludes
// every image-backed allocation, not just imageBase's own, matching the
// original sweep's bare "not of type image" filter.
func NotImage(imageBase uintptr) Predicate {
	return func(mbi *windows.MemoryBasicInformation) bool {
		return mbi.State != windows.MEM_FREE && mbi.Type != windows.MEM_IMAGE
	}
}

// Enumerator lazily walks the current process's address space, buffering at
// most one allocation's records (a region plus its subregions and their
// bytes) at a time.
type Enumerator struct {
	pred    Predicate
	address uintptr
	done    bool

	queue   []Record
	restore func() error
}

// NewEnumerator starts an enumeration filtered by pred.
func NewEnumerator(pred Predicate) *Enumerator {
	return &Enumerator{pred: pred}
}

// Next returns the next record, or ok=false once the address space has been
// exhausted. Any protection relaxed to read a subregion's bytes is restored
// at the top of the following Next call, matching the scoped-guard release
// point the original coroutine-based walk used.
func (e *Enumerator) Next() (Record, bool, error) {
	if e.restore != nil {
		restore := e.restore
		e.restore = nil
		if err := restore(); err != nil {
			fmt.Printf("[-] %v\n", err)
		}
	}

	for len(e.queue) == 0 {
		if e.done {
			return Record{}, false, nil
		}
		if err := e.fill(); err != nil {
			return Record{}, false, err
		}
	}

	rec := e.queue[0]
	e.queue = e.queue[1:]

	if rec.Kind == KindSubregionBytes {
		sub := rec.Subregion
		e.restore = e.relax(sub)
	}

	return rec, true, nil
}

// fill advances past free/unmatched regions and, on the next qualifying
// allocation, enqueues its region record, every subregion record, and a
// bytes record for each subregion whose protection allows reading.
func (e *Enumerator) fill() error {
	for {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQueryEx(windows.CurrentProcess(), e.address, &mbi, unsafe.Sizeof(mbi)); err != nil {
			e.done = true
			return nil
		}
		e.address += mbi.RegionSize

		if !e.pred(&mbi) {
			continue
		}

		allocationBase := mbi.AllocationBase
		subs := []windows.MemoryBasicInformation{mbi}
		allocationSize := uint64(mbi.RegionSize)

		for {
			var next windows.MemoryBasicInformation
			if err := windows.VirtualQueryEx(windows.CurrentProcess(), e.address, &next, unsafe.Sizeof(next)); err != nil {
				break
			}
			if next.AllocationBase != allocationBase {
				break
			}
			subs = append(subs, next)
			allocationSize += uint64(next.RegionSize)
			e.address += next.RegionSize
		}

		e.queue = append(e.queue, Record{
			Kind: KindRegion,
			Region: Region{
				BaseAddress:    allocationBase,
				Protect:        mbi.AllocationProtect,
				AllocationSize: allocationSize,
				SubregionCount: uint64(len(subs)),
			},
		})

		for _, s := range subs {
			e.queue = append(e.queue, Record{
				Kind: KindSubregion,
				Subregion: Subregion{
					BaseAddress: s.BaseAddress,
					RegionSize:  uint64(s.RegionSize),
					Protect:     s.Protect,
				},
			})

			if s.Protect == 0 || s.Protect&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
				continue
			}

			e.queue = append(e.queue, Record{
				Kind: KindSubregionBytes,
				Subregion: Subregion{
					BaseAddress: s.BaseAddress,
					RegionSize:  uint64(s.RegionSize),
					Protect:     s.Protect,
				},
				Bytes: unsafe.Slice((*byte)(unsafe.Pointer(s.BaseAddress)), s.RegionSize),
			})
		}

		return nil
	}
}

// relax switches sub's protection to PAGE_EXECUTE_READWRITE for the duration
// of the bytes record just handed to the caller, returning a closure that
// restores the original protection.
func (e *Enumerator) relax(sub Subregion) func() error {
	var old uint32
	err := windows.VirtualProtectEx(windows.CurrentProcess(), sub.BaseAddress, uintptr(sub.RegionSize), windows.PAGE_EXECUTE_READWRITE, &old)
	if err != nil {
		fmt.Printf("[-] relaxing protection at 0x%x: %v\n", sub.BaseAddress, err)
		return func() error { return nil }
	}
	return func() error {
		var restored uint32
		if err := windows.VirtualProtectEx(windows.CurrentProcess(), sub.BaseAddress, uintptr(sub.RegionSize), sub.Protect, &restored); err != nil {
			return fmt.Errorf("restoring protection at 0x%x: %w", sub.BaseAddress, err)
		}
		return nil
	}
}
