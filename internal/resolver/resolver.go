// Package resolver implements the path-resolution layer of the overlay: it
// maps a FUSE-supplied path to its physical and virtual on-disk candidates
// and decides which one is currently in effect.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jnweiger/ocffs/pkg/utils"
)

// Mode selects how Resolve decides between the physical and virtual
// candidate.
type Mode int

const (
	// Auto picks whichever candidate exists on disk, preferring physical.
	Auto Mode = iota
	// ForcePhysical returns the physical candidate regardless of disk state.
	ForcePhysical
	// ForceVirtual returns the virtual candidate regardless of disk state.
	ForceVirtual
)

// State is the resolved form of a path pair.
type State int

const (
	StatePhysical State = iota
	StateVirtual
	StateAbsent
)

func (s State) String() string {
	switch s {
	case StatePhysical:
		return "physical"
	case StateVirtual:
		return "virtual"
	default:
		return "absent"
	}
}

// PathPair is the transient result of resolving a request path: the
// physical and virtual candidates are string-identical except for the
// trailing virtual suffix.
type PathPair struct {
	Physical string
	Virtual  string
	State    State
}

// Active returns the candidate that should actually be operated on: the
// virtual candidate when resolved virtual, the physical candidate
// otherwise (including the absent case, where it names where a new entry
// would be created).
func (p PathPair) Active() string {
	if p.State == StateVirtual {
		return p.Virtual
	}
	return p.Physical
}

// Resolver computes path pairs rooted at a sync directory.
type Resolver struct {
	rootDir       string
	realRoot      string
	virtualSuffix string
}

// New creates a Resolver. rootDir need not exist yet; its symlink-resolved
// form is used only for database-relative path computation, so a failure
// to resolve falls back to rootDir itself rather than erroring the mount.
func New(rootDir, virtualSuffix string) (*Resolver, error) {
	if virtualSuffix == "" {
		return nil, fmt.Errorf("resolver: virtual suffix must not be empty")
	}
	real, err := filepath.EvalSymlinks(rootDir)
	if err != nil {
		real = rootDir
	}
	return &Resolver{rootDir: rootDir, realRoot: real, virtualSuffix: virtualSuffix}, nil
}

func (r *Resolver) join(reqPath string) string {
	joined, err := utils.SecureJoin(r.rootDir, strings.TrimPrefix(reqPath, "/"))
	if err != nil {
		// A path that escapes the root is clamped to the root itself;
		// the kernel normalizes request paths so this does not happen in
		// practice.
		return r.rootDir
	}
	return joined
}

// Resolve computes the path pair for reqPath under the given mode.
func (r *Resolver) Resolve(reqPath string, mode Mode) PathPair {
	joined := r.join(reqPath)

	var physical, virtual string
	if strings.HasSuffix(joined, r.virtualSuffix) {
		virtual = joined
		physical = strings.TrimSuffix(joined, r.virtualSuffix)
	} else {
		physical = joined
		virtual = joined + r.virtualSuffix
	}

	switch mode {
	case ForcePhysical:
		return PathPair{Physical: physical, Virtual: virtual, State: StatePhysical}
	case ForceVirtual:
		return PathPair{Physical: physical, Virtual: virtual, State: StateVirtual}
	default:
		if exists(physical) {
			return PathPair{Physical: physical, Virtual: virtual, State: StatePhysical}
		}
		if exists(virtual) {
			return PathPair{Physical: physical, Virtual: virtual, State: StateVirtual}
		}
		return PathPair{Physical: physical, Virtual: virtual, State: StateAbsent}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// RelPath returns physicalPath relative to the symlink-resolved sync root,
// suitable as the placeholder database's path key. physicalPath should be
// the suffix-stripped (physical) candidate, matching how the database
// stores logical names.
func (r *Resolver) RelPath(physicalPath string) (string, error) {
	resolved, err := filepath.EvalSymlinks(physicalPath)
	if err != nil {
		// The physical name may not exist on disk at all (it is virtual);
		// resolve its parent directory instead and rejoin the base name.
		dir, base := filepath.Split(physicalPath)
		if realDir, dirErr := filepath.EvalSymlinks(filepath.Clean(dir)); dirErr == nil {
			resolved = filepath.Join(realDir, base)
		} else {
			resolved = physicalPath
		}
	}
	rel, err := filepath.Rel(r.realRoot, resolved)
	if err != nil {
		return "", fmt.Errorf("resolver: %s relative to %s: %w", physicalPath, r.realRoot, err)
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("resolver: %s is outside root %s", physicalPath, r.realRoot)
	}
	return rel, nil
}
