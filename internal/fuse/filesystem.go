// Package fuse implements the overlay filesystem's FUSE operation layer:
// path resolution, the metadata overlay, the xattr-driven state-transition
// engine, and privileged-caller passthrough, all dispatched through
// github.com/winfsp/cgofuse's synchronous FileSystemInterface.
package fuse

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"golang.org/x/sys/unix"

	"github.com/jnweiger/ocffs/internal/control"
	"github.com/jnweiger/ocffs/internal/metrics"
	"github.com/jnweiger/ocffs/internal/placeholder"
	"github.com/jnweiger/ocffs/internal/resolver"
	"github.com/jnweiger/ocffs/pkg/health"
)

// xattrName is the synthetic extended attribute that drives physical<->virtual
// state transitions.
const xattrName = "user.owncloud.virtual"

// placeholderFill is returned for any read of a virtual file's synthetic
// descriptor at an offset below 100.
var placeholderFill = []byte("go get some coffee\n")

// errRemote signals an operation that only makes sense on a materialized
// file. cgofuse's portable errno set has no EREMOTE, so the native value
// is used.
const errRemote = int(unix.EREMOTE)

// syntheticFile is the bookkeeping entry for a placeholder open, keyed by
// the /dev/null descriptor handed back to the kernel as its file handle.
type syntheticFile struct {
	virtualPath string
}

// Config bundles everything FileSystem needs at construction time.
type Config struct {
	RootDir       string
	VirtualSuffix string
	ReadBlockSize int64

	// PlaceholderFill overrides the payload served for synthetic reads.
	PlaceholderFill []byte
	// DBQueryTimeout bounds each placeholder-database lookup.
	DBQueryTimeout time.Duration

	ClientPID  int32
	ClientUID  uint32
	ClientName string

	Store   *placeholder.Store
	Control *control.Client
	Metrics *metrics.Collector
	Health  *health.Tracker
}

// FileSystem implements cgofuse's FileSystemInterface over an ownCloud
// sync directory, presenting placeholder files with their true remote
// size and mtime and exposing a control xattr to materialize them.
type FileSystem struct {
	fuse.FileSystemBase

	rootDir        string
	virtualSuffix  string
	readBlockSize  int64
	fill           []byte
	dbQueryTimeout time.Duration

	clientPID  int32
	clientUID  uint32
	clientName string

	resolver *resolver.Resolver
	store    *placeholder.Store
	control  *control.Client
	metrics  *metrics.Collector
	health   *health.Tracker

	// getcontext is fuse.Getcontext in production; tests substitute a
	// fixed caller identity.
	getcontext func() (uid uint32, gid uint32, pid int)

	mu           sync.Mutex
	syntheticFDs map[uint64]*syntheticFile
}

// NewFileSystem constructs a FileSystem ready to be handed to
// fuse.NewFileSystemHost.
func NewFileSystem(cfg Config) (*FileSystem, error) {
	res, err := resolver.New(cfg.RootDir, cfg.VirtualSuffix)
	if err != nil {
		return nil, err
	}
	blockSize := cfg.ReadBlockSize
	if blockSize <= 0 {
		blockSize = 4096
	}
	fill := cfg.PlaceholderFill
	if len(fill) == 0 {
		fill = placeholderFill
	}
	dbTimeout := cfg.DBQueryTimeout
	if dbTimeout <= 0 {
		dbTimeout = 500 * time.Millisecond
	}
	return &FileSystem{
		rootDir:        cfg.RootDir,
		virtualSuffix:  cfg.VirtualSuffix,
		readBlockSize:  blockSize,
		fill:           fill,
		dbQueryTimeout: dbTimeout,
		clientPID:      cfg.ClientPID,
		clientUID:      cfg.ClientUID,
		clientName:     cfg.ClientName,
		resolver:       res,
		store:          cfg.Store,
		control:        cfg.Control,
		metrics:        cfg.Metrics,
		health:         cfg.Health,
		getcontext:     fuse.Getcontext,
		syntheticFDs:   make(map[uint64]*syntheticFile),
	}, nil
}

// Init is called by cgofuse once the mount is established.
func (fs *FileSystem) Init() {
	log.Printf("ocffs: mounted root=%s suffix=%s client_pid=%d client_name=%s",
		fs.rootDir, fs.virtualSuffix, fs.clientPID, fs.clientName)
	if fs.health != nil {
		fs.health.RegisterComponent("fuse")
		fs.health.RecordSuccess("fuse")
	}
}

// Destroy is called by cgofuse as the mount is torn down.
func (fs *FileSystem) Destroy() {
	log.Printf("ocffs: unmounting root=%s", fs.rootDir)
}

func (fs *FileSystem) resolve(path string, mode resolver.Mode) resolver.PathPair {
	return fs.resolver.Resolve(path, mode)
}

// transparent reports whether the calling process should see the raw
// on-disk placeholder instead of the overlay illusion: either the sync
// client itself (matched by PID) or root (uid 0).
func (fs *FileSystem) transparent() bool {
	uid, _, pid := fs.getcontext()
	if uid == 0 {
		return true
	}
	if fs.clientPID != 0 && int32(pid) == fs.clientPID {
		return true
	}
	return false
}

func (fs *FileSystem) record(op string, start time.Time, success bool) {
	if fs.metrics != nil {
		fs.metrics.RecordOperation(op, time.Since(start), success)
	}
}

func (fs *FileSystem) recordHandleCount() {
	if fs.metrics != nil {
		fs.mu.Lock()
		n := len(fs.syntheticFDs)
		fs.mu.Unlock()
		fs.metrics.UpdateSyntheticHandles(n)
	}
}

func errnoToFuse(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -fuse.EIO
}

func (fs *FileSystem) isRegularFile(path string) bool {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFREG
}

// --- metadata overlay --------------------------------------------------

func (fs *FileSystem) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	start := time.Now()
	pair := fs.resolve(path, resolver.Auto)
	if pair.State == resolver.StateAbsent {
		fs.record("getattr", start, false)
		return -fuse.ENOENT
	}

	var st unix.Stat_t
	if err := unix.Lstat(pair.Active(), &st); err != nil {
		fs.record("getattr", start, false)
		return errnoToFuse(err)
	}
	fillStat(stat, &st)

	if pair.State == resolver.StateVirtual && !fs.transparent() && fs.store != nil {
		rel, err := fs.resolver.RelPath(pair.Physical)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), fs.dbQueryTimeout)
			rec, ok := fs.store.Lookup(ctx, rel)
			cancel()
			if ok {
				stat.Size = rec.Size
				stat.Mtim = fuse.Timespec{Sec: rec.ModTime}
			}
		}
	}

	fs.record("getattr", start, true)
	return 0
}

func fillStat(out *fuse.Stat_t, st *unix.Stat_t) {
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Size = st.Size
	out.Atim = fuse.Timespec{Sec: int64(st.Atim.Sec), Nsec: int64(st.Atim.Nsec)}
	out.Mtim = fuse.Timespec{Sec: int64(st.Mtim.Sec), Nsec: int64(st.Mtim.Nsec)}
	out.Ctim = fuse.Timespec{Sec: int64(st.Ctim.Sec), Nsec: int64(st.Ctim.Nsec)}
}

// --- directory view ------------------------------------------------------

func (fs *FileSystem) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	start := time.Now()
	pair := fs.resolve(path, resolver.Auto)
	dir := pair.Active()

	entries, err := os.ReadDir(dir)
	if err != nil {
		fs.record("readdir", start, false)
		return errnoToFuse(err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)

	transparent := fs.transparent()
	for _, e := range entries {
		name := e.Name()
		if !transparent && fs.virtualSuffix != "" {
			if trimmed, ok := trimSuffix(name, fs.virtualSuffix); ok {
				name = trimmed
			}
		}
		if !fill(name, nil, 0) {
			break
		}
	}
	fs.record("readdir", start, true)
	return 0
}

func trimSuffix(name, suffix string) (string, bool) {
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)], true
	}
	return name, false
}

// --- file I/O -------------------------------------------------------------

func (fs *FileSystem) Open(path string, flags int) (int, uint64) {
	start := time.Now()
	pair := fs.resolve(path, resolver.Auto)
	switch pair.State {
	case resolver.StateAbsent:
		fs.record("open", start, false)
		return -fuse.ENOENT, ^uint64(0)
	case resolver.StateVirtual:
		fd, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
		if err != nil {
			fs.record("open", start, false)
			return errnoToFuse(err), ^uint64(0)
		}
		fs.mu.Lock()
		fs.syntheticFDs[uint64(fd)] = &syntheticFile{virtualPath: pair.Virtual}
		fs.mu.Unlock()
		fs.recordHandleCount()
		fs.record("open", start, true)
		return 0, uint64(fd)
	default:
		fd, err := unix.Open(pair.Physical, flags, 0)
		if err != nil {
			fs.record("open", start, false)
			return errnoToFuse(err), ^uint64(0)
		}
		fs.record("open", start, true)
		return 0, uint64(fd)
	}
}

func (fs *FileSystem) Create(path string, flags int, mode uint32) (int, uint64) {
	pair := fs.resolve(path, resolver.ForcePhysical)
	fd, err := unix.Open(pair.Physical, flags|unix.O_CREAT, mode)
	if err != nil {
		return errnoToFuse(err), ^uint64(0)
	}
	return 0, uint64(fd)
}

func (fs *FileSystem) Read(path string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	fs.mu.Lock()
	_, synthetic := fs.syntheticFDs[fh]
	fs.mu.Unlock()

	if synthetic {
		fs.record("read", start, true)
		if ofst < 100 {
			return copy(buff, fs.fill)
		}
		return 0
	}

	n, err := unix.Pread(int(fh), buff, ofst)
	if err != nil {
		fs.record("read", start, false)
		return errnoToFuse(err)
	}
	fs.record("read", start, true)
	return n
}

func (fs *FileSystem) Write(path string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	fs.mu.Lock()
	_, synthetic := fs.syntheticFDs[fh]
	fs.mu.Unlock()

	if synthetic {
		fs.record("write", start, false)
		return -errRemote
	}

	n, err := unix.Pwrite(int(fh), buff, ofst)
	if err != nil {
		fs.record("write", start, false)
		return errnoToFuse(err)
	}
	fs.record("write", start, true)
	return n
}

func (fs *FileSystem) Flush(path string, fh uint64) int {
	fs.mu.Lock()
	_, synthetic := fs.syntheticFDs[fh]
	fs.mu.Unlock()
	if synthetic {
		return 0
	}
	if err := unix.Fsync(int(fh)); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Fsync(path string, datasync bool, fh uint64) int {
	return fs.Flush(path, fh)
}

func (fs *FileSystem) Release(path string, fh uint64) int {
	fs.mu.Lock()
	_, synthetic := fs.syntheticFDs[fh]
	if synthetic {
		delete(fs.syntheticFDs, fh)
	}
	fs.mu.Unlock()

	err := unix.Close(int(fh))
	fs.recordHandleCount()
	if err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Truncate(path string, size int64, fh uint64) int {
	pair := fs.resolve(path, resolver.Auto)
	if err := unix.Truncate(pair.Active(), size); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

// --- namespace operations --------------------------------------------------

func (fs *FileSystem) Access(path string, mask uint32) int {
	pair := fs.resolve(path, resolver.Auto)
	if err := unix.Access(pair.Active(), mask); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Chmod(path string, mode uint32) int {
	pair := fs.resolve(path, resolver.Auto)
	if err := unix.Chmod(pair.Active(), mode); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Chown(path string, uid uint32, gid uint32) int {
	pair := fs.resolve(path, resolver.Auto)
	if err := unix.Lchown(pair.Active(), int(uid), int(gid)); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Utimens(path string, tmsp []fuse.Timespec) int {
	pair := fs.resolve(path, resolver.Auto)
	var times [2]unix.Timespec
	if len(tmsp) >= 2 {
		times[0] = unix.Timespec{Sec: tmsp[0].Sec, Nsec: tmsp[0].Nsec}
		times[1] = unix.Timespec{Sec: tmsp[1].Sec, Nsec: tmsp[1].Nsec}
	} else {
		now := time.Now()
		times[0] = unix.NsecToTimespec(now.UnixNano())
		times[1] = times[0]
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, pair.Active(), times[:], 0); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Mknod(path string, mode uint32, dev uint64) int {
	pair := fs.resolve(path, resolver.ForcePhysical)
	if err := unix.Mknod(pair.Physical, mode, int(dev)); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Mkdir(path string, mode uint32) int {
	pair := fs.resolve(path, resolver.ForcePhysical)
	if err := unix.Mkdir(pair.Physical, mode); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Rmdir(path string) int {
	pair := fs.resolve(path, resolver.ForcePhysical)
	if err := unix.Rmdir(pair.Physical); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Unlink(path string) int {
	pair := fs.resolve(path, resolver.Auto)
	if err := unix.Unlink(pair.Active()); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Rename(oldpath string, newpath string) int {
	oldPair := fs.resolve(oldpath, resolver.Auto)
	if oldPair.State == resolver.StateVirtual {
		return -errRemote
	}
	newPair := fs.resolve(newpath, resolver.ForcePhysical)
	if err := unix.Rename(oldPair.Active(), newPair.Physical); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Symlink(target string, newpath string) int {
	pair := fs.resolve(newpath, resolver.ForcePhysical)
	if err := unix.Symlink(target, pair.Physical); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Readlink(path string) (int, string) {
	pair := fs.resolve(path, resolver.Auto)
	if pair.State == resolver.StateVirtual {
		return -errRemote, ""
	}
	buf := make([]byte, 4096)
	n, err := unix.Readlink(pair.Active(), buf)
	if err != nil {
		return errnoToFuse(err), ""
	}
	return 0, string(buf[:n])
}

func (fs *FileSystem) Link(oldpath string, newpath string) int {
	targetPair := fs.resolve(oldpath, resolver.ForcePhysical)
	newPair := fs.resolve(newpath, resolver.Auto)
	if newPair.State == resolver.StateVirtual {
		return -errRemote
	}
	if err := unix.Link(targetPair.Physical, newPair.Active()); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Statfs(path string, stat *fuse.Statfs_t) int {
	pair := fs.resolve(path, resolver.Auto)
	var st unix.Statfs_t
	if err := unix.Statfs(pair.Active(), &st); err != nil {
		return errnoToFuse(err)
	}
	stat.Bsize = uint64(fs.readBlockSize)
	stat.Frsize = uint64(fs.readBlockSize)
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Namemax = uint64(st.Namelen)
	return 0
}

// --- xattr control plane --------------------------------------------------

func (fs *FileSystem) Listxattr(path string, fill func(name string) bool) int {
	pair := fs.resolve(path, resolver.Auto)
	target := pair.Active()

	names, err := listXattrNames(target)
	if err != nil {
		return errnoToFuse(err)
	}

	seenSynthetic := false
	for _, name := range names {
		if name == xattrName {
			seenSynthetic = true
		}
		if !fill(name) {
			return 0
		}
	}
	if !seenSynthetic && fs.isRegularFile(target) {
		fill(xattrName)
	}
	return 0
}

func (fs *FileSystem) Getxattr(path string, name string) (int, []byte) {
	pair := fs.resolve(path, resolver.Auto)
	target := pair.Active()

	if name == xattrName && fs.isRegularFile(target) {
		if pair.State == resolver.StateVirtual {
			return 0, []byte("1")
		}
		return 0, []byte("0")
	}

	value, err := getXattr(target, name)
	if err != nil {
		return errnoToFuse(err), nil
	}
	return 0, value
}

func (fs *FileSystem) Setxattr(path string, name string, value []byte, flags int) int {
	pair := fs.resolve(path, resolver.Auto)

	if name == xattrName && !fs.transparent() {
		wantPhysical := len(value) == 0 || string(value) == "0"
		if wantPhysical && pair.State == resolver.StateVirtual {
			fs.convertVirtualToPhysical(pair)
		} else if !wantPhysical && pair.State == resolver.StatePhysical {
			fs.convertPhysicalToVirtual(pair)
		}
		return 0
	}

	if err := unix.Lsetxattr(pair.Active(), name, value, flags); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func (fs *FileSystem) Removexattr(path string, name string) int {
	pair := fs.resolve(path, resolver.Auto)
	if name == xattrName {
		return -fuse.EOPNOTSUPP
	}
	if err := unix.Lremovexattr(pair.Active(), name); err != nil {
		return errnoToFuse(err)
	}
	return 0
}

func listXattrNames(path string) ([]string, error) {
	n, err := unix.Llistxattr(path, nil)
	if err != nil {
		if err == unix.ENODATA {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	n, err = unix.Llistxattr(path, buf)
	if err != nil {
		return nil, err
	}
	return splitXattrNames(buf[:n]), nil
}

func getXattr(path, name string) ([]byte, error) {
	n, err := unix.Lgetxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := unix.Lgetxattr(path, name, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func splitXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

// --- state transition engine ------------------------------------------------

func (fs *FileSystem) convertPhysicalToVirtual(pair resolver.PathPair) {
	info, err := os.Lstat(pair.Physical)
	if err != nil {
		log.Printf("ocffs: p2v stat %s: %v", pair.Physical, err)
		return
	}
	if info.IsDir() {
		log.Printf("ocffs: p2v on directory %s unsupported", pair.Physical)
		return
	}
	success := true
	if err := unix.Rename(pair.Physical, pair.Virtual); err != nil {
		log.Printf("ocffs: p2v rename %s -> %s: %v", pair.Physical, pair.Virtual, err)
		success = false
	}
	if fs.metrics != nil {
		fs.metrics.RecordMaterialize("p2v", success)
	}
}

func (fs *FileSystem) convertVirtualToPhysical(pair resolver.PathPair) {
	if fs.control == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := fs.control.RequestMaterialize(ctx, pair.Virtual)
	success := err == nil
	if err != nil {
		log.Printf("ocffs: v2p materialize request for %s: %v", pair.Virtual, err)
	}
	if fs.metrics != nil {
		fs.metrics.RecordMaterialize("v2p", success)
	}
}
