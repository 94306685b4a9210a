// Package hostinfo builds the info map an agent sends when it registers.
package hostinfo

import (
	"os"
	"os/user"
	"runtime"

	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Collect returns the operator note, working directory and user, enriched
// with host metadata. Lookups that fail are left out.
func Collect(note string) map[string]interface{} {
	info := map[string]interface{}{
		"note": note,
		"pid":  os.Getpid(),
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}

	if cwd, err := os.Getwd(); err == nil {
		info["cwd"] = cwd
	}
	info["user"] = currentUser()

	hInfo, err := host.Info()
	if err != nil {
		logger.Log.Debugf("Failed to get host info: %v", err)
	} else {
		info["hostname"] = hInfo.Hostname
		info["platform"] = hInfo.Platform
		info["platform_version"] = hInfo.PlatformVersion
		info["kernel_version"] = hInfo.KernelVersion
		if hInfo.KernelArch != "" {
			info["arch"] = hInfo.KernelArch
		}
	}
	if _, ok := info["hostname"]; !ok {
		if hostname, err := os.Hostname(); err == nil {
			info["hostname"] = hostname
		}
	}

	if cores, err := cpu.Counts(true); err == nil {
		info["cpu_cores"] = cores
	}
	if vMem, err := mem.VirtualMemory(); err == nil {
		info["memory_total"] = vMem.Total
	}

	return info
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return os.Getenv("USERNAME")
}
