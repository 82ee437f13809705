package process

import "golang.org/x/sys/unix"

const bytesPerMB = 1024 * 1024

// applyMemoryLimit caps the writable data segment of the process. Exceeding
// it makes allocations fail, which runtimes report as out of memory
func applyMemoryLimit(pid, limitMB int) error {
	limit := uint64(limitMB) * bytesPerMB
	return unix.Prlimit(pid, unix.RLIMIT_DATA, &unix.Rlimit{
		Cur: limit,
		Max: limit,
	}, nil)
}
