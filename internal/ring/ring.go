// Package ring implements the cross-process, fixed-layout ring buffers that
// carry signals in and order reports out of the engine: a named shared
// memory segment, a header carrying capacity and atomic head/tail cursors,
// and a flat array of fixed-size POD records. One process creates the
// segment (truncates and initializes the header), any number of others may
// open it once initialized=true.
//
// Protocol: the writer publishes at head then advances head = (head+1) %
// capacity; the reader consumes at tail then advances tail. Full when
// (head+1) % capacity == tail; empty when head == tail. Overflow drops at
// the writer - pop never blocks the producer.
package ring

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptrAt returns a pointer into data at the given byte offset. data is the
// mmap'd header region; offsets are fixed by the header layout below.
func ptrAt(data []byte, offset int) unsafe.Pointer {
	return unsafe.Pointer(&data[offset])
}

const headerSize = 32 // u64 capacity, u64 head, u64 tail, u32 initialized, padding

// Codec encodes/decodes one fixed-size record to/from a byte slice of
// exactly RecordSize() bytes. Implementations must not retain the slice
// passed to Decode beyond the call.
type Codec[T any] interface {
	RecordSize() int
	Encode(v T, buf []byte)
	Decode(buf []byte) T
}

// Ring is a single-writer/single-reader shared-memory circular buffer over
// records encoded by a Codec[T]. Ring is safe for one writer and one reader
// to use concurrently from separate goroutines (or separate processes
// mapping the same segment); it is not safe for multiple concurrent writers
// or multiple concurrent readers.
type Ring[T any] struct {
	codec    Codec[T]
	capacity uint64
	recSize  int
	data     []byte // mmap'd region: header + capacity*recSize
	file     *os.File
	name     string
	creator  bool

	// dropped counts writer-side overflow; read with atomic.LoadUint64.
	dropped uint64
}

// shmDir is where named segments are created. /dev/shm is the conventional
// POSIX shared-memory tmpfs mount; tests override it via Options.Dir.
const shmDir = "/dev/shm"

// Options configures Create/Open.
type Options struct {
	// Dir overrides shmDir, primarily for tests that can't write /dev/shm.
	Dir string
}

func segmentPath(dir, name string) string {
	if dir == "" {
		dir = shmDir
	}
	return filepath.Join(dir, name)
}

// Create makes a new named segment sized for capacity records and
// initializes its header. capacity must be positive; it need not be a
// power of two.
func Create[T any](name string, capacity int, codec Codec[T], opts Options) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity must be > 0")
	}
	recSize := codec.RecordSize()
	total := headerSize + capacity*recSize

	path := segmentPath(opts.Dir, name)
	_ = os.Remove(path) // exclusive-create semantics: clear any stale segment first
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("ring: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("ring: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("ring: mmap %s: %w", path, err)
	}

	r := &Ring[T]{codec: codec, capacity: uint64(capacity), recSize: recSize, data: data, file: f, name: path, creator: true}
	binary.LittleEndian.PutUint64(r.data[0:8], uint64(capacity))
	atomic.StoreUint64(r.headPtr(), 0)
	atomic.StoreUint64(r.tailPtr(), 0)
	atomic.StoreUint32(r.initPtr(), 1)
	return r, nil
}

// Open attaches to an existing named segment, polling until initialized=true
// or the deadline passes.
func Open[T any](name string, codec Codec[T], opts Options, waitFor time.Duration) (*Ring[T], error) {
	path := segmentPath(opts.Dir, name)
	deadline := time.Now().Add(waitFor)
	var f *os.File
	var err error
	for {
		f, err = os.OpenFile(path, os.O_RDWR, 0o666)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("ring: open %s: %w", path, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: stat %s: %w", path, err)
	}
	total := int(stat.Size())
	if total < headerSize {
		f.Close()
		return nil, fmt.Errorf("ring: %s too small to be a ring segment", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: mmap %s: %w", path, err)
	}

	recSize := codec.RecordSize()
	capacity := uint64((total - headerSize) / recSize)
	r := &Ring[T]{codec: codec, capacity: capacity, recSize: recSize, data: data, file: f, name: path}

	for time.Now().Before(deadline) {
		if atomic.LoadUint32(r.initPtr()) == 1 {
			return r, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	unix.Munmap(data)
	f.Close()
	return nil, fmt.Errorf("ring: %s never became initialized", path)
}

func (r *Ring[T]) headPtr() *uint64 { return (*uint64)(ptrAt(r.data, 8)) }
func (r *Ring[T]) tailPtr() *uint64 { return (*uint64)(ptrAt(r.data, 16)) }
func (r *Ring[T]) initPtr() *uint32 { return (*uint32)(ptrAt(r.data, 24)) }

func (r *Ring[T]) slot(i uint64) []byte {
	off := headerSize + int(i%r.capacity)*r.recSize
	return r.data[off : off+r.recSize]
}

// Push publishes v at head and advances head. Returns false without
// blocking if the ring is full; the writer must treat false as a dropped
// record and increment its own counters.
func (r *Ring[T]) Push(v T) bool {
	head := atomic.LoadUint64(r.headPtr())
	tail := atomic.LoadUint64(r.tailPtr())
	if (head+1)%r.capacity == tail%r.capacity {
		atomic.AddUint64(&r.dropped, 1)
		return false
	}
	r.codec.Encode(v, r.slot(head))
	atomic.StoreUint64(r.headPtr(), (head+1)%r.capacity)
	return true
}

// Pop consumes the record at tail and advances tail. Returns ok=false
// without blocking if the ring is empty.
func (r *Ring[T]) Pop() (v T, ok bool) {
	head := atomic.LoadUint64(r.headPtr())
	tail := atomic.LoadUint64(r.tailPtr())
	if head == tail {
		return v, false
	}
	v = r.codec.Decode(r.slot(tail))
	atomic.StoreUint64(r.tailPtr(), (tail+1)%r.capacity)
	return v, true
}

// PopWait polls Pop with a short sleep between attempts until a record is
// available or timeout elapses.
func (r *Ring[T]) PopWait(timeout time.Duration) (v T, ok bool) {
	deadline := time.Now().Add(timeout)
	for {
		if v, ok = r.Pop(); ok {
			return v, true
		}
		if time.Now().After(deadline) {
			return v, false
		}
		time.Sleep(10 * time.Microsecond)
	}
}

// Capacity returns the ring's fixed slot count.
func (r *Ring[T]) Capacity() int { return int(r.capacity) }

// Dropped returns the writer-side overflow counter.
func (r *Ring[T]) Dropped() uint64 { return atomic.LoadUint64(&r.dropped) }

// Len returns the number of unread records (best-effort under concurrent
// access from the peer side).
func (r *Ring[T]) Len() int {
	head := atomic.LoadUint64(r.headPtr())
	tail := atomic.LoadUint64(r.tailPtr())
	if head >= tail {
		return int(head - tail)
	}
	return int(r.capacity - tail + head)
}

// Close unmaps the segment. The creator additionally unlinks the name so
// the next Create starts fresh.
func (r *Ring[T]) Close() error {
	err := unix.Munmap(r.data)
	r.file.Close()
	if r.creator {
		os.Remove(r.name)
	}
	return err
}
