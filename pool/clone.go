package pool

import (
	"os"

	"golang.org/x/sys/unix"
)

// statSize is a tiny wrapper kept separate from device.go so Pool.Open's
// pre-open config-hash computation (which must tolerate a missing file
// when a pool is about to truncate/create) doesn't need a *device yet.
func statSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// tryCopyFileRange attempts the Linux copy_file_range(2) kernel
// copy-offload path used by ChunkHandle.CloneContentsInto (§4.1 "copies up
// to N bytes using kernel copy-offload"). It falls back to the caller's
// read-then-write loop on any error, including ENOSYS on kernels/backing
// filesystems that don't support it (e.g. some block-device paths).
func tryCopyFileRange(src, dst *device, srcOff, dstOff, n int64) error {
	remaining := n
	so, do := srcOff, dstOff
	for remaining > 0 {
		written, err := unix.CopyFileRange(int(src.file.Fd()), &so, int(dst.file.Fd()), &do, int(remaining), 0)
		if err != nil {
			return err
		}
		if written == 0 {
			break
		}
		remaining -= int64(written)
	}
	if remaining > 0 {
		return os.ErrInvalid
	}
	return nil
}
