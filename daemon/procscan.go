package daemon

import (
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcScanner counts external processes holding the output device open by
// inspecting per-process open-file state. It is the single source of truth
// for the consumer count; device notifications only trigger a recount.
type ProcScanner struct {
	devicePath string
	selfPid    int32
}

// NewProcScanner builds a scanner for the given device path. The daemon's
// own pid is excluded from every count, since the daemon itself holds the
// device open in write mode. A second daemon instance watching the same
// device is deliberately counted as a consumer.
func NewProcScanner(devicePath string) *ProcScanner {
	return &ProcScanner{
		devicePath: devicePath,
		selfPid:    int32(os.Getpid()),
	}
}

// Count enumerates running processes and returns how many hold an open
// handle to the device path. Processes that disappear mid-scan or deny
// access are skipped, matching the best-effort nature of the scan.
func (s *ProcScanner) Count() (int, error) {
	pids, err := process.Pids()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, pid := range pids {
		if pid == s.selfPid {
			continue
		}
		proc, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		files, err := proc.OpenFiles()
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.Path == s.devicePath {
				count++
				break
			}
		}
	}
	return count, nil
}
