// Package dump prints the syscall numbers and gates a netfork server
// resolves to rebuild a forked process, a quick way to confirm the recycled-gate
// lookup in pkg/recycle is finding clean stubs before running a real
// reconstruction against a hooked or instrumented ntdll.
package dump

import (
	"fmt"
	"sort"

	rc "github.com/acalandra/netfork/pkg/recycle"
	"github.com/acalandra/netfork/pkg/types"
)

// resolvedSyscalls is every NT call pkg/reconstruct and pkg/handle resolve
// by name to rebuild a forked process, in the order the rebuild pipeline
// first reaches for each one.
var resolvedSyscalls = []string{
	"NtCreateSection",
	"NtCreateProcessEx",
	"NtQueryInformationProcess",
	"NtWriteVirtualMemory",
	"NtProtectVirtualMemory",
	"NtCreateThreadEx",
	"NtTerminateProcess",
}

// DumpAllSyscalls resolves and prints the SSN and gate address for every
// entry in resolvedSyscalls, sorted by SSN, the same shape a hooked ntdll
// would scramble if the recycled lookup in pkg/recycle stopped finding
// clean stubs.
func DumpAllSyscalls() {
	fmt.Println("[+] dumping syscalls resolved for process reconstruction")

	base := rc.FindNtdll()
	if base == 0 {
		fmt.Println("[-] ntdll base is null")
		return
	}

	type row struct {
		ssn  uint16
		gate uintptr
		name string
	}
	var rows []row

	for _, name := range resolvedSyscalls {
		var s types.Syscall
		if !rc.GetSyscall(name, &s) {
			fmt.Printf("[-] failed to resolve %s\n", name)
			continue
		}
		rows = append(rows, row{ssn: s.Nr, gate: s.Gate, name: name})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ssn < rows[j].ssn })

	fmt.Printf("SSN\tGate\t\tName\n")
	fmt.Printf("---\t----\t\t----\n")
	for _, r := range rows {
		fmt.Printf("%d\t0x%x\t%s\n", r.ssn, r.gate, r.name)
	}
	fmt.Printf("\n[+] resolved %d/%d syscalls\n", len(rows), len(resolvedSyscalls))
}
