//go:build unix

// Package shm implements the shared memory audio transport between the host
// and the plugin server process.
//
// A region is a fixed layout for the lifetime of one plugin load: a 64-byte
// header followed by an input region and an output region, each holding
// channels x blockSize samples of the negotiated width. The host writes input
// and reads output; the server does the reverse. The control channel round
// trip orders all access, so the region itself carries no synchronization.
package shm

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

const (
	magic      = 0x54757474 // "Tutt"
	version    = 1
	headerSize = 64
)

// Header field offsets.
const (
	offMagic       = 0
	offVersion     = 4
	offFormat      = 8
	offChannels    = 12
	offBlockSize   = 16
	offSampleWidth = 20
)

// Buffer is a mapped audio region. The creating side owns the backing file
// and removes it on Close.
type Buffer struct {
	name      string
	path      string
	owner     bool
	data      []byte
	format    protocol.SampleFormat
	channels  int
	blockSize int
}

// NewName returns a region name unique enough for one host process tree.
func NewName() string {
	return fmt.Sprintf("tutti_%d_%x", os.Getpid(), rand.Uint64())
}

func regionPath(name string) string {
	if runtime.GOOS == "linux" {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

func regionSize(format protocol.SampleFormat, channels, blockSize int) int {
	return headerSize + 2*channels*blockSize*format.Width()
}

// Create builds a new zeroed region and maps it. The caller becomes the
// owner: Close unlinks the backing file.
func Create(name string, format protocol.SampleFormat, channels, blockSize int) (*Buffer, error) {
	if channels <= 0 || blockSize <= 0 {
		return nil, fmt.Errorf("invalid region geometry: %d channels, %d frames", channels, blockSize)
	}
	path := regionPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create region %s: %w", name, err)
	}
	defer f.Close()

	size := regionSize(format, channels, blockSize)
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("size region %s to %d bytes: %w", name, size, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("map region %s: %w", name, err)
	}

	b := &Buffer{
		name:      name,
		path:      path,
		owner:     true,
		data:      data,
		format:    format,
		channels:  channels,
		blockSize: blockSize,
	}
	b.writeHeader()
	return b, nil
}

// Open maps an existing region and verifies its header against the expected
// geometry. It never takes ownership of the backing file.
func Open(name string, format protocol.SampleFormat, channels, blockSize int) (*Buffer, error) {
	path := regionPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", name, err)
	}
	defer f.Close()

	size := regionSize(format, channels, blockSize)
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat region %s: %w", name, err)
	}
	if fi.Size() < int64(size) {
		return nil, fmt.Errorf("region %s is %d bytes, need %d", name, fi.Size(), size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map region %s: %w", name, err)
	}

	b := &Buffer{
		name:      name,
		path:      path,
		data:      data,
		format:    format,
		channels:  channels,
		blockSize: blockSize,
	}
	if err := b.verifyHeader(); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	return b, nil
}

func (b *Buffer) writeHeader() {
	h := b.data[:headerSize]
	for i := range h {
		h[i] = 0
	}
	binary.LittleEndian.PutUint32(h[offMagic:], magic)
	binary.LittleEndian.PutUint32(h[offVersion:], version)
	var fmtTag uint32
	if b.format == protocol.Float64 {
		fmtTag = 1
	}
	binary.LittleEndian.PutUint32(h[offFormat:], fmtTag)
	binary.LittleEndian.PutUint32(h[offChannels:], uint32(b.channels))
	binary.LittleEndian.PutUint32(h[offBlockSize:], uint32(b.blockSize))
	binary.LittleEndian.PutUint32(h[offSampleWidth:], uint32(b.format.Width()))
}

func (b *Buffer) verifyHeader() error {
	h := b.data[:headerSize]
	if got := binary.LittleEndian.Uint32(h[offMagic:]); got != magic {
		return fmt.Errorf("region %s: bad magic %#x", b.name, got)
	}
	if got := binary.LittleEndian.Uint32(h[offVersion:]); got != version {
		return fmt.Errorf("region %s: version %d, want %d", b.name, got, version)
	}
	var fmtTag uint32
	if b.format == protocol.Float64 {
		fmtTag = 1
	}
	if got := binary.LittleEndian.Uint32(h[offFormat:]); got != fmtTag {
		return fmt.Errorf("region %s: sample format mismatch", b.name)
	}
	if got := binary.LittleEndian.Uint32(h[offChannels:]); got != uint32(b.channels) {
		return fmt.Errorf("region %s: %d channels, want %d", b.name, got, b.channels)
	}
	if got := binary.LittleEndian.Uint32(h[offBlockSize:]); got != uint32(b.blockSize) {
		return fmt.Errorf("region %s: block size %d, want %d", b.name, got, b.blockSize)
	}
	return nil
}

// Name returns the region name shared with the peer process.
func (b *Buffer) Name() string { return b.name }

// Format returns the negotiated sample format.
func (b *Buffer) Format() protocol.SampleFormat { return b.format }

// Channels returns the channel count of each region.
func (b *Buffer) Channels() int { return b.channels }

// BlockSize returns the maximum frames per cycle.
func (b *Buffer) BlockSize() int { return b.blockSize }

// Zero clears both audio regions.
func (b *Buffer) Zero() {
	body := b.data[headerSize:]
	for i := range body {
		body[i] = 0
	}
}

func (b *Buffer) channelOffset(region, ch int) int {
	stride := b.blockSize * b.format.Width()
	return headerSize + region*b.channels*stride + ch*stride
}

func (b *Buffer) channel32(region, ch int) []float32 {
	off := b.channelOffset(region, ch)
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[off])), b.blockSize)
}

func (b *Buffer) channel64(region, ch int) []float64 {
	off := b.channelOffset(region, ch)
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.data[off])), b.blockSize)
}

func (b *Buffer) check(ch, frames int, format protocol.SampleFormat) error {
	if b.data == nil {
		return fmt.Errorf("region %s is closed", b.name)
	}
	if format != b.format {
		return fmt.Errorf("region %s holds %s samples", b.name, b.format)
	}
	if ch < 0 || ch >= b.channels {
		return fmt.Errorf("channel %d out of range [0, %d)", ch, b.channels)
	}
	if frames < 0 || frames > b.blockSize {
		return fmt.Errorf("%d frames exceed block size %d", frames, b.blockSize)
	}
	return nil
}

const (
	regionInput  = 0
	regionOutput = 1
)

// WriteInput copies one channel of host audio into the input region.
func (b *Buffer) WriteInput(ch int, samples []float32) error {
	if err := b.check(ch, len(samples), protocol.Float32); err != nil {
		return err
	}
	copy(b.channel32(regionInput, ch), samples)
	return nil
}

// ReadInput copies one input channel into dst.
func (b *Buffer) ReadInput(ch int, dst []float32) error {
	if err := b.check(ch, len(dst), protocol.Float32); err != nil {
		return err
	}
	copy(dst, b.channel32(regionInput, ch)[:len(dst)])
	return nil
}

// WriteOutput copies one channel of processed audio into the output region.
func (b *Buffer) WriteOutput(ch int, samples []float32) error {
	if err := b.check(ch, len(samples), protocol.Float32); err != nil {
		return err
	}
	copy(b.channel32(regionOutput, ch), samples)
	return nil
}

// ReadOutput copies one output channel into dst.
func (b *Buffer) ReadOutput(ch int, dst []float32) error {
	if err := b.check(ch, len(dst), protocol.Float32); err != nil {
		return err
	}
	copy(dst, b.channel32(regionOutput, ch)[:len(dst)])
	return nil
}

// WriteInput64 is WriteInput for 64-bit regions.
func (b *Buffer) WriteInput64(ch int, samples []float64) error {
	if err := b.check(ch, len(samples), protocol.Float64); err != nil {
		return err
	}
	copy(b.channel64(regionInput, ch), samples)
	return nil
}

// ReadInput64 is ReadInput for 64-bit regions.
func (b *Buffer) ReadInput64(ch int, dst []float64) error {
	if err := b.check(ch, len(dst), protocol.Float64); err != nil {
		return err
	}
	copy(dst, b.channel64(regionInput, ch)[:len(dst)])
	return nil
}

// WriteOutput64 is WriteOutput for 64-bit regions.
func (b *Buffer) WriteOutput64(ch int, samples []float64) error {
	if err := b.check(ch, len(samples), protocol.Float64); err != nil {
		return err
	}
	copy(b.channel64(regionOutput, ch), samples)
	return nil
}

// ReadOutput64 is ReadOutput for 64-bit regions.
func (b *Buffer) ReadOutput64(ch int, dst []float64) error {
	if err := b.check(ch, len(dst), protocol.Float64); err != nil {
		return err
	}
	copy(dst, b.channel64(regionOutput, ch)[:len(dst)])
	return nil
}

// Close unmaps the region and, on the owning side, removes the backing file.
// Safe to call more than once.
func (b *Buffer) Close() error {
	if b.data == nil {
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	if b.owner {
		if rmErr := os.Remove(b.path); rmErr != nil && err == nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	}
	return err
}
