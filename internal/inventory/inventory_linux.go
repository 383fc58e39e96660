//go:build linux

package inventory

import (
	"os"

	"golang.org/x/sys/unix"
)

func readHost(dataPath string) (HostStats, error) {
	var hs HostStats

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return hs, err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	hs.TotalRAM = uint64(si.Totalram) * unit
	hs.AvailableRAM = (uint64(si.Freeram) + uint64(si.Bufferram)) * unit

	var fs unix.Statfs_t
	if err := unix.Statfs(dataPath, &fs); err != nil {
		return hs, err
	}
	bsize := uint64(fs.Bsize)
	hs.TotalStorage = uint64(fs.Blocks) * bsize
	hs.AvailableStorage = uint64(fs.Bavail) * bsize

	if f, err := os.Open("/proc/cpuinfo"); err == nil {
		cores, threads, perr := ParseCPUInfo(f)
		_ = f.Close()
		if perr == nil {
			hs.CPUCores = cores
			hs.CPUThreads = threads
		}
	}
	return hs, nil
}
