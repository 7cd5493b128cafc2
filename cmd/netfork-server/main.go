// Command netfork-server accepts exactly one client connection, reconstructs
// the process it describes, and resumes it. It is generic: any client
// speaking the wire protocol can be forked onto it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/acalandra/netfork/pkg/dump"
	"github.com/acalandra/netfork/pkg/reconstruct"
	"github.com/acalandra/netfork/pkg/transport"
)

func main() {
	port := flag.String("port", transport.DefaultPort, "TCP port to accept a single netfork client on")
	dumpSyscalls := flag.Bool("dump-syscalls", false, "print the syscall number and gate of every NT call reconstruction resolves, then exit")
	flag.Parse()

	if *dumpSyscalls {
		dump.DumpAllSyscalls()
		return
	}

	fmt.Printf("[+] netfork-server listening on :%s\n", *port)

	conn, err := transport.AcceptOnce(*port)
	if err != nil {
		fmt.Printf("[-] accept failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Println("[+] client connected, receiving snapshot")

	outcome, err := reconstruct.ReceiveAndResume(conn)
	if err != nil {
		fmt.Printf("[-] reconstruction failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("[+] forked process exited with code %d\n", outcome.ExitCode)
}
