// Command ocffs-dlvirt asks a running sync client to download one virtual
// file, from outside the filesystem. It speaks the same one-line socket
// protocol the mounted overlay uses, so it is handy for scripting and for
// checking that the client's control socket is answering at all.
//
// Usage:
//
//	ocffs-dlvirt [flags] PATH_TO_VIRTUAL_FILE
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jnweiger/ocffs/internal/control"
	"github.com/jnweiger/ocffs/internal/locator"
)

func main() {
	socketPath := flag.String("socket", "", "control socket path (default derived from -uid and -client)")
	clientName := flag.String("client", "", "sync client short name (default derived from the file's suffix)")
	uid := flag.Int("uid", os.Getuid(), "uid owning the client's /run/user directory")
	runDir := flag.String("run-dir", "/run/user", "base directory for per-user runtime sockets")
	timeout := flag.Duration("timeout", 200*time.Millisecond, "socket connect/read timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] PATH_TO_VIRTUAL_FILE\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	abs, err := filepath.EvalSymlinks(path)
	if err != nil {
		// The placeholder may sit under a symlinked parent that resolves,
		// or not exist locally at all; send what we were given.
		abs, err = filepath.Abs(path)
		if err != nil {
			log.Fatalf("ocffs-dlvirt: %v", err)
		}
	}

	sock := *socketPath
	if sock == "" {
		name := *clientName
		if name == "" {
			name = clientFromSuffix(abs)
		}
		if name == "" {
			log.Fatalf("ocffs-dlvirt: cannot derive client name from %q, pass -client or -socket", abs)
		}
		info := locator.ClientInfo{UID: uint32(*uid), ExecutableName: name}
		sock = info.SocketPath(*runDir, "socket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := control.New(sock, *timeout).RequestMaterialize(ctx, abs); err != nil {
		log.Fatalf("ocffs-dlvirt: %v", err)
	}
}

// clientFromSuffix recovers the client short name from a placeholder
// filename: "x.testpilotcloud_virtual" -> "testpilotcloud",
// "x.owncloud" -> "owncloud".
func clientFromSuffix(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return ""
	}
	name := strings.TrimSuffix(strings.TrimPrefix(ext, "."), "_virtual")
	if name == "" {
		return ""
	}
	return name
}
