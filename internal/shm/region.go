// Package shm implements rye's shared-memory fabric: process-wide,
// cross-process key/value regions with a magic/version header, a
// robust mutex, and typed views (master region, per-server, per-monitor).
//
// Go has no System V/POSIX shmget in the standard library. The
// idiomatic cross-platform substitute used throughout the retrieval
// pack is an mmap-backed file; here that file lives under a
// configurable shm directory (/dev/shm on Linux by default). The
// owner creates and zeroes it; viewers attach read-only.
package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	magicString  = "RYE_SHM "
	magicVersion = uint32(1)
	headerSize   = 64 // magic(8) + status(4) + typeTag(4) + key(4) + version(4) + mutexOwner(4) + pad
)

// RegionType tags the payload shape stored after the header.
type RegionType uint32

const (
	TypeUnknown RegionType = iota
	TypeMaster
	TypeServer
	TypeMonitor
)

// Status is the region lifecycle state stamped into the header.
type Status uint32

const (
	StatusUnknown Status = iota
	StatusCreated
	StatusValid
	StatusMarkDeleted
)

// Region is a mapped shared-memory segment: a fixed header followed
// by caller-defined payload bytes.
type Region struct {
	key      int32
	readonly bool
	owner    bool
	path     string
	file     *os.File
	data     []byte // mmap'd bytes: header + payload
}

func pathForKey(dir string, key int32) string {
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, fmt.Sprintf("rye_shm_%d", key))
}

// DefaultDir returns the platform default shm-backing directory.
func DefaultDir() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Create creates (or reopens, if it already exists with the same
// type) an owner-mapped region of the given payload size, stamped
// and zeroed. Per spec.md §4.1: create fails if the key exists with a
// different type.
func Create(dir string, key int32, payloadSize int, typ RegionType) (*Region, error) {
	path := pathForKey(dir, key)
	total := headerSize + payloadSize

	existed := false
	if _, err := os.Stat(path); err == nil {
		existed = true
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm create %d: %w", key, err)
	}

	if existed {
		r, err := mapExisting(f, key, false, total)
		if err != nil {
			f.Close()
			return nil, err
		}
		existingType := RegionType(binary.LittleEndian.Uint32(r.data[12:16]))
		if existingType != typ {
			r.Close()
			return nil, fmt.Errorf("shm create %d: exists with type %d, wanted %d", key, existingType, typ)
		}
		r.owner = true
		return r, nil
	}

	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm create %d: %w", key, err)
	}

	r, err := mapExisting(f, key, false, total)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.owner = true
	r.stamp(typ, StatusCreated)
	r.setStatus(StatusValid)
	return r, nil
}

// Attach maps an existing region read-only (or read-write if
// readonly is false), validating the magic, status and type tag.
// Passing TypeUnknown as typ probes without a type check.
func Attach(dir string, key int32, typ RegionType, readonly bool) (*Region, error) {
	path := pathForKey(dir, key)

	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm attach %d: not-found: %w", key, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	r, err := mapExisting(f, key, readonly, int(st.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}

	if string(r.data[:8]) != magicString {
		r.Close()
		return nil, fmt.Errorf("shm attach %d: bad-magic", key)
	}
	if Status(binary.LittleEndian.Uint32(r.data[8:12])) != StatusValid {
		r.Close()
		return nil, fmt.Errorf("shm attach %d: not valid", key)
	}
	gotType := RegionType(binary.LittleEndian.Uint32(r.data[12:16]))
	if typ != TypeUnknown && gotType != typ {
		r.Close()
		return nil, fmt.Errorf("shm attach %d: bad-magic (type mismatch)", key)
	}

	return r, nil
}

func mapExisting(f *os.File, key int32, readonly bool, size int) (*Region, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readonly {
		prot = unix.PROT_READ
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm mmap %d: %w", key, err)
	}
	return &Region{key: key, readonly: readonly, path: f.Name(), file: f, data: data}, nil
}

func (r *Region) stamp(typ RegionType, status Status) {
	copy(r.data[:8], magicString)
	binary.LittleEndian.PutUint32(r.data[8:12], uint32(status))
	binary.LittleEndian.PutUint32(r.data[12:16], uint32(typ))
	binary.LittleEndian.PutUint32(r.data[16:20], uint32(r.key))
	binary.LittleEndian.PutUint32(r.data[20:24], magicVersion)
}

func (r *Region) setStatus(status Status) {
	binary.LittleEndian.PutUint32(r.data[8:12], uint32(status))
}

// Status returns the region's current lifecycle status.
func (r *Region) Status() Status {
	return Status(binary.LittleEndian.Uint32(r.data[8:12]))
}

// Readonly reports whether the region was mapped PROT_READ; callers
// must not acquire the RobustMutex (or otherwise write) on such a
// mapping.
func (r *Region) Readonly() bool {
	return r.readonly
}

// Payload returns the mutable bytes following the header. Callers
// serialize their own typed view into this slice.
func (r *Region) Payload() []byte {
	return r.data[headerSize:]
}

// Mutex returns the region's robust, process-shared mutex, backed by
// a 4-byte owner-pid slot inside the header.
func (r *Region) Mutex() *RobustMutex {
	return &RobustMutex{slot: (*int32)(unsafe.Pointer(&r.data[24]))}
}

// Destroy stamps the region mark-deleted, unmaps it, and removes the
// backing file. Idempotent: destroying an already-deleted or missing
// region is not an error.
func (r *Region) Destroy() error {
	r.setStatus(StatusMarkDeleted)
	path := r.path
	if err := r.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm destroy: %w", err)
	}
	return nil
}

// Close unmaps and closes the region without removing the backing file.
func (r *Region) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.data = nil
	}
	return r.file.Close()
}

// RobustMutex is a PROCESS_SHARED mutex over a 4-byte pid slot in
// shared memory. Owner-dead is detected by signalling the recorded
// pid with signal 0; on ESRCH the slot is reset and the acquirer
// retries once, per spec.md §4.1/§5.
type RobustMutex struct {
	slot *int32
}

// TryLock attempts to acquire the mutex, returning false if another
// live owner holds it.
func (m *RobustMutex) TryLock() bool {
	pid := int32(os.Getpid())
	if atomic.CompareAndSwapInt32(m.slot, 0, pid) {
		return true
	}
	owner := atomic.LoadInt32(m.slot)
	if owner == 0 {
		return atomic.CompareAndSwapInt32(m.slot, 0, pid)
	}
	if !processAlive(owner) {
		// Owner died holding the lock: recover once.
		if atomic.CompareAndSwapInt32(m.slot, owner, pid) {
			return true
		}
	}
	return false
}

// Unlock releases the mutex if held by the current process.
func (m *RobustMutex) Unlock() {
	atomic.CompareAndSwapInt32(m.slot, int32(os.Getpid()), 0)
}

func processAlive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}
