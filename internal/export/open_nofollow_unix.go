//go:build unix

package export

import (
	"os"

	"golang.org/x/sys/unix"
)

// openNoFollow opens a bundle file read-only. Opening fails with ELOOP when
// the final path component is a symlink, so a swapped-in link cannot make
// verification hash a file outside the bundle.
func openNoFollow(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW, 0)
}
