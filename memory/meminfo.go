// Package memory reports host memory pressure.
package memory

import (
	"errors"
	"math"

	"github.com/prometheus/procfs"
)

// ErrUnavailable is returned when meminfo lacks MemTotal or MemAvailable.
var ErrUnavailable = errors.New("memory: meminfo unavailable")

// Info is a point-in-time view of host memory.
type Info struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// Pressure returns 1 - available/total, clamped to [0, 1]. A zero total
// reports no pressure.
func (i Info) Pressure() float64 {
	if i.TotalBytes == 0 {
		return 0
	}
	p := 1 - float64(i.AvailableBytes)/float64(i.TotalBytes)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// PressureBP returns Pressure in basis points (0..10000).
func (i Info) PressureBP() uint16 {
	return uint16(math.Round(i.Pressure() * 10000))
}

// Source reads the current memory state.
type Source interface {
	Read() (Info, error)
}

// Reader reads /proc/meminfo through procfs.
type Reader struct {
	fs procfs.FS
}

// NewReader returns a Reader rooted at procPath, usually "/proc".
func NewReader(procPath string) (*Reader, error) {
	if procPath == "" {
		procPath = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, err
	}
	return &Reader{fs: fs}, nil
}

// Read implements Source.
func (r *Reader) Read() (Info, error) {
	mi, err := r.fs.Meminfo()
	if err != nil {
		return Info{}, err
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return Info{}, ErrUnavailable
	}
	return Info{
		TotalBytes:     *mi.MemTotal * 1024,
		AvailableBytes: *mi.MemAvailable * 1024,
	}, nil
}

// Static is a Source that always returns the same Info.
type Static Info

// Read implements Source.
func (s Static) Read() (Info, error) {
	return Info(s), nil
}

// Func adapts a function to Source.
type Func func() (Info, error)

// Read implements Source.
func (f Func) Read() (Info, error) {
	return f()
}
