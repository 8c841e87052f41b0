//go:build unix && !linux

package platform

import "golang.org/x/sys/unix"

// preallocZeroChunk bounds the scratch buffer used by the portable
// preallocation path.
const preallocZeroChunk = 1 << 20

// preallocate extends the file to size with explicit zero writes.
// Portable fallback for unix platforms without fallocate(2); writing
// real bytes guarantees blocks are backed rather than sparse.
func preallocate(fd int, size int64) error {
	var stat unix.Stat_t

	err := unix.Fstat(fd, &stat)
	if err != nil {
		return err
	}

	zeros := make([]byte, preallocZeroChunk)

	for off := stat.Size; off < size; {
		n := int64(len(zeros))
		if off+n > size {
			n = size - off
		}

		written, err := unix.Pwrite(fd, zeros[:n], off)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return err
		}

		off += int64(written)
	}

	return nil
}
