// Command netfork-client is forked across the wire by netfork-server: its
// main body calls fork.Fork exactly once per scenario and branches on
// whether that call returned on this host ("parent") or inside the process
// netfork-server reconstructed from the stream ("child").
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/acalandra/netfork/pkg/fork"
	"github.com/acalandra/netfork/pkg/transport"
	"github.com/acalandra/netfork/pkg/types"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:"+transport.DefaultPort, "address of a waiting netfork-server")
	scenario := flag.String("scenario", "hello", "one of: hello, stack, heap, guard, override")
	flag.Parse()

	conn, err := transport.Dial(*addr)
	if err != nil {
		fmt.Printf("[-] dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	switch *scenario {
	case "hello":
		runHello(conn)
	case "stack":
		runStack(conn)
	case "heap":
		runHeap(conn)
	case "guard":
		runGuard(conn)
	case "override":
		runOverride(conn)
	default:
		fmt.Printf("[-] unknown scenario %q\n", *scenario)
		os.Exit(1)
	}
}

// runHello is scenario S1: the only thing checked is which branch a single
// fork.Fork call returns on.
func runHello(conn net.Conn) {
	result, err := fork.Fork(conn, nil)
	if err != nil {
		fmt.Printf("[-] fork failed: %v\n", err)
		os.Exit(1)
	}

	if result.IsChild() {
		fmt.Println("child")
		os.Exit(0)
	}

	fmt.Println("parent")
	os.Exit(0)
}

// runStack is scenario S2: a local variable must survive the round trip
// through the snapshot/reconstruction pipeline untouched, proving the
// calling goroutine's own stack was captured and replayed correctly.
func runStack(conn net.Conn) {
	var marker uint32 = 0xDEADBEEF

	result, err := fork.Fork(conn, nil)
	if err != nil {
		fmt.Printf("[-] fork failed: %v\n", err)
		os.Exit(1)
	}

	if result.IsChild() {
		if marker != 0xDEADBEEF {
			fmt.Printf("[-] stack marker corrupted: got 0x%x\n", marker)
			os.Exit(1)
		}
		fmt.Println("child: stack marker intact")
		os.Exit(0)
	}

	fmt.Println("parent")
	os.Exit(0)
}

// runHeap is scenario S3: a 1 MiB heap allocation with a known byte pattern
// must survive the same way, proving the general address-space rebuild
// (not just the stack region) reproduces committed memory.
func runHeap(conn net.Conn) {
	const size = 1 << 20
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}

	result, err := fork.Fork(conn, nil)
	if err != nil {
		fmt.Printf("[-] fork failed: %v\n", err)
		os.Exit(1)
	}

	if result.IsChild() {
		for i, b := range buf {
			if b != byte(i%251) {
				fmt.Printf("[-] heap pattern corrupted at offset %d: got 0x%x\n", i, b)
				os.Exit(1)
			}
		}
		fmt.Println("child: heap pattern intact")
		os.Exit(0)
	}

	fmt.Println("parent")
	os.Exit(0)
}

// runGuard is scenario S4: a page marked PAGE_GUARD must remain guarded
// (and must never have received wire bytes) after reconstruction.
func runGuard(conn net.Conn) {
	const pageSize = 4096

	guarded, err := windows.VirtualAlloc(0, pageSize, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		fmt.Printf("[-] VirtualAlloc failed: %v\n", err)
		os.Exit(1)
	}

	var old uint32
	if err := windows.VirtualProtect(guarded, pageSize, windows.PAGE_READWRITE|windows.PAGE_GUARD, &old); err != nil {
		fmt.Printf("[-] VirtualProtect failed: %v\n", err)
		os.Exit(1)
	}

	result, err := fork.Fork(conn, nil)
	if err != nil {
		fmt.Printf("[-] fork failed: %v\n", err)
		os.Exit(1)
	}

	if result.IsChild() {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQueryEx(windows.CurrentProcess(), guarded, &mbi, unsafe.Sizeof(mbi)); err != nil {
			fmt.Printf("[-] VirtualQueryEx failed: %v\n", err)
			os.Exit(1)
		}
		if mbi.Protect&windows.PAGE_GUARD == 0 {
			fmt.Println("[-] guard bit lost across reconstruction")
			os.Exit(1)
		}
		fmt.Println("child: guard page preserved")
		os.Exit(0)
	}

	fmt.Println("parent")
	os.Exit(0)
}

// overrideTarget is scenario S5's alternate entry point: a function whose
// address is substituted for the captured instruction pointer before the
// context is sent, so the reconstructed process resumes here instead of
// after runOverride's call to fork.Fork. Resuming directly into an arbitrary
// Go function this way only works because this one touches no Go-managed
// state before reporting success; see fork.Fork's doc comment for the
// goroutine-stack caveat this sidesteps rather than solves.
//
//go:noinline
func overrideTarget() {
	fmt.Println("child: resumed inside override target")
	os.Exit(0)
}

// runOverride is scenario S5: fork.Fork is called with an explicit
// override context whose Rip targets overrideTarget rather than the
// capture site.
func runOverride(conn net.Conn) {
	override := types.Context{ContextFlags: types.ContextAll}
	override.Rip = uint64(reflect.ValueOf(overrideTarget).Pointer())

	result, err := fork.Fork(conn, &override)
	if err != nil {
		fmt.Printf("[-] fork failed: %v\n", err)
		os.Exit(1)
	}

	if result.IsChild() {
		// Unreachable: a correctly installed override context resumes
		// inside overrideTarget, not back here.
		fmt.Println("[-] child resumed at call site instead of override target")
		os.Exit(1)
	}

	fmt.Println("parent")
	os.Exit(0)
}
