// Package locator discovers the ownCloud sync client's placeholder database
// and the sibling process that currently holds it open.
package locator

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

var dbFilePattern = regexp.MustCompile(`^\._sync_[0-9a-f]+\.db$`)

// ClientInfo describes the sync client process discovered alongside its
// placeholder database.
type ClientInfo struct {
	DBPath         string
	PID            int32
	ExecutableName string
	UID            uint32
	VirtualSuffix  string
}

// FindDBFile scans root for the sync client's placeholder database file.
func FindDBFile(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("locator: reading %s: %w", root, err)
	}
	for _, e := range entries {
		if dbFilePattern.MatchString(e.Name()) {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", fmt.Errorf("locator: no placeholder database (._sync_*.db) found in %s", root)
}

// SocketPath returns the client's control-socket path under runDir,
// conventionally /run/user/<uid>/<shortname>/<socketName>.
func (c *ClientInfo) SocketPath(runDir, socketName string) string {
	return filepath.Join(runDir, strconv.FormatUint(uint64(c.UID), 10), c.ExecutableName, socketName)
}

// DeriveSuffix returns the placeholder filename suffix used by a given
// sync client executable. The reference ownCloud client uses its own bare
// name; any other client gets a "_virtual" tag to keep it visibly distinct.
func DeriveSuffix(execName string) string {
	if execName == "owncloud" {
		return "." + execName
	}
	return "." + execName + "_virtual"
}

// Discover locates the placeholder database inside root and the process
// that currently holds it open, returning the first match. Additional
// matches are logged, not treated as an error: a clean handover between
// client restarts can briefly leave more than one process with the file
// open.
func Discover(root string) (*ClientInfo, error) {
	dbPath, err := FindDBFile(root)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Stat(dbPath, &st); err != nil {
		return nil, fmt.Errorf("locator: stat %s: %w", dbPath, err)
	}
	dbUID := st.Uid

	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("locator: enumerating processes: %w", err)
	}

	selfPID := int32(os.Getpid())
	var matches []ClientInfo
	for _, p := range procs {
		if p.Pid == selfPID {
			continue
		}
		uids, err := p.Uids()
		if err != nil || len(uids) < 2 {
			continue
		}
		realUID, effUID := uint32(uids[0]), uint32(uids[1])
		if realUID != dbUID && effUID != dbUID {
			continue
		}
		files, err := p.OpenFiles()
		if err != nil {
			// Likely permission denied inspecting another user's process.
			continue
		}
		for _, f := range files {
			if f.Path == dbPath {
				name, _ := p.Name()
				matches = append(matches, ClientInfo{
					DBPath:         dbPath,
					PID:            p.Pid,
					ExecutableName: name,
					UID:            dbUID,
				})
				break
			}
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("locator: %s has no owning sync client process; start the client or remove the orphaned database", dbPath)
	}
	if len(matches) > 1 {
		log.Printf("locator: %d processes hold %s open, using pid=%d and ignoring %v", len(matches), dbPath, matches[0].PID, matches[1:])
	}

	client := matches[0]
	client.VirtualSuffix = DeriveSuffix(client.ExecutableName)
	return &client, nil
}
