//go:build !linux

package process

func applyMemoryLimit(int, int) error {
	return nil
}
