//go:build unix

package platform

import (
	"errors"
	"os"
	"syscall"
)

// OpenFileNoFollow opens name inside root for reading without following a
// final symbolic link. It returns ErrSymlink if name is a symbolic link.
func OpenFileNoFollow(root *os.Root, name string) (*os.File, error) {
	f, err := root.OpenFile(name, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if errors.Is(err, syscall.ELOOP) {
			return nil, ErrSymlink
		}
		return nil, err
	}
	return f, nil
}
