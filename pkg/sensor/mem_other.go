//go:build !linux

package sensor

// Non-Linux platforms fall back to Go runtime heap figures collected in
// sample().

func readHostMemory() (total, used uint64) { return 0, 0 }

func readDiskUsage(path string) (total, free uint64) { return 0, 0 }
