// Package device answers whether the GPUs an instance is configured for
// actually exist on this host.
package device

import (
	"fmt"
	"os"
	"strings"
)

// Prober reports the GPUs visible to this process.
type Prober interface {
	// DeviceCount is the number of usable GPUs; valid indices are 0..n-1.
	DeviceCount() int
	// DeviceName returns a human readable name for a GPU index.
	DeviceName(index int) string
}

// Static is a Prober with a fixed device count.
type Static int

func (s Static) DeviceCount() int { return int(s) }

func (s Static) DeviceName(index int) string { return fmt.Sprintf("GPU %d", index) }

// FromEnv counts the entries of CUDA_VISIBLE_DEVICES when it is set,
// otherwise falls back to the given count.
func FromEnv(fallback int) Static {
	v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES")
	if !ok {
		return Static(fallback)
	}
	v = strings.TrimSpace(v)
	if v == "" || v == "-1" || strings.EqualFold(v, "none") {
		return 0
	}
	return Static(len(strings.Split(v, ",")))
}

// Available reports whether GPU index is usable.
func Available(p Prober, index int) bool {
	return p != nil && index >= 0 && index < p.DeviceCount()
}
