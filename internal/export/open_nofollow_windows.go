//go:build windows

package export

import "os"

// openNoFollow falls back to a plain open: there is no O_NOFOLLOW here and
// reparse points are followed. VerifyManifest still checks that the opened
// file is regular and matches its size and digests.
func openNoFollow(path string) (*os.File, error) {
	return os.Open(path)
}
