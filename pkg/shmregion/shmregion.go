// Package shmregion implements named shared-memory regions backed by
// /dev/shm, used to carry function call payloads too large for a
// Message's inline tail. A region is created by its producer and mapped
// read-write; a consumer opens the same name and maps it read-only.
// Regions flagged remove-on-destroy unlink their backing name when the
// owning side drops them, matching the gateway's per-call shm lifetime.
package shmregion

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// shmDir is where named regions live. Linux tmpfs convention, matching
// the naming scheme used by the pack's shm-transport libraries.
const shmDir = "/dev/shm"

// Region is a single mmap'd shared-memory segment.
type Region struct {
	name           string
	path           string
	data           []byte
	removeOnDestroy bool
	closed         bool
}

// Create allocates a new named region of size bytes, mapped read-write.
// removeOnDestroy controls whether Close unlinks the backing file in
// addition to unmapping it; the gateway always creates its per-call
// input regions, and opens its per-call output regions, with
// removeOnDestroy set.
func Create(name string, size int, removeOnDestroy bool) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmregion: invalid size %d for %q", size, name)
	}
	path := shmDir + "/" + name

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmregion: create %q: %w", name, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shmregion: truncate %q to %d: %w", name, size, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shmregion: mmap %q: %w", name, err)
	}

	return &Region{name: name, path: path, data: data, removeOnDestroy: removeOnDestroy}, nil
}

// Open maps an existing region for reading, as a consumer does to read a
// producer's output. The region must already exist; size is the known
// payload length (callers learn it from the Message that referenced the
// region). removeOnDestroy controls whether Close unlinks the backing
// file, matching Create's option so consumer and producer sides agree on
// who reclaims the OS-level name.
func Open(name string, size int, removeOnDestroy bool) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmregion: invalid size %d for %q", size, name)
	}
	path := shmDir + "/" + name

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("shmregion: open %q: %w", name, err)
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmregion: mmap %q: %w", name, err)
	}

	return &Region{name: name, path: path, data: data, removeOnDestroy: removeOnDestroy}, nil
}

// Name returns the region's textual name (without the /dev/shm prefix).
func (r *Region) Name() string { return r.name }

// Bytes returns the region's mapped memory. The slice is invalidated by
// Close; callers that need the payload afterward must copy it first.
func (r *Region) Bytes() []byte { return r.data }

// WriteAt copies p into the region starting at off, for producers
// filling an input region before handing its name to a worker.
func (r *Region) WriteAt(p []byte, off int) (int, error) {
	if off < 0 || off+len(p) > len(r.data) {
		return 0, fmt.Errorf("shmregion: write out of bounds for %q: off=%d len=%d cap=%d", r.name, off, len(p), len(r.data))
	}
	return copy(r.data[off:], p), nil
}

// Close unmaps the region and, if removeOnDestroy was set at creation,
// unlinks its backing file. Safe to call multiple times.
func (r *Region) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap %q: %w", r.name, err))
		}
		r.data = nil
	}
	if r.removeOnDestroy {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %q: %w", r.path, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shmregion: close %q: %v", r.name, errs)
	}
	return nil
}
