package units

import "fmt"

const (
	// MiB - MebiByte size (2^20)
	MiB = 1024 * 1024
	// GiB - GibiByte size (2^30)
	GiB = 1024 * 1024 * 1024
)

// Bytes renders a memory size in the binary unit Proxmox shows in its UI.
func Bytes(b int64) string {
	if b >= GiB || b <= -GiB {
		return fmt.Sprintf("%.1fGiB", float64(b)/GiB)
	}
	return fmt.Sprintf("%dMiB", b/MiB)
}
