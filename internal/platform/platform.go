// Package platform detects host quirks that affect file watching.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host platform.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform. The result is cached.
func Detect() Platform {
	detectOnce.Do(func() {
		procVersion, _ := os.ReadFile("/proc/version")
		detected = classify(runtime.GOOS, string(procVersion), os.Getenv("WSL_DISTRO_NAME") != "", pathExists)
	})
	return detected
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// classify maps raw host facts to a Platform.
func classify(goos, procVersion string, wslEnv bool, exists func(string) bool) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "linux":
	default:
		return PlatformUnknown
	}

	if !wslEnv && !strings.Contains(strings.ToLower(procVersion), "microsoft") {
		return PlatformLinux
	}
	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	if strings.Contains(procVersion, "microsoft-standard") {
		return PlatformWSL2
	}
	if strings.Contains(procVersion, "Microsoft") {
		return PlatformWSL1
	}
	if exists("/run/WSL") || exists("/dev/vsock") {
		return PlatformWSL2
	}
	return PlatformWSL1
}

// IsWSL reports whether the process runs under any WSL version.
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	default:
		return "Unknown"
	}
}

// FilesystemType returns the type of the mount holding path, or "" when it
// cannot be determined.
func FilesystemType(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return mountType(string(mounts), abs)
}

// mountType finds the longest mount point in a /proc/mounts listing that
// contains path.
func mountType(mounts, path string) string {
	var bestMount, bestType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mp, fsType := fields[1], fields[2]
		if !within(path, mp) || len(mp) <= len(bestMount) {
			continue
		}
		bestMount, bestType = mp, fsType
	}
	return bestType
}

func within(path, mountPoint string) bool {
	if mountPoint == "/" || path == mountPoint {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(mountPoint, "/")+"/")
}

// WatchWarning explains why fsnotify may miss events under path, or returns
// "" when watching should work.
func WatchWarning(path string) string {
	return watchWarning(FilesystemType(path))
}

func watchWarning(fsType string) string {
	switch {
	case fsType == "9p":
		return "9p mount (WSL2 Windows filesystem) does not deliver file events"
	case fsType == "nfs" || fsType == "nfs4":
		return "NFS mount may not deliver file events"
	case fsType == "cifs" || fsType == "smbfs":
		return "CIFS/SMB mount may not deliver file events"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "SSHFS mount does not deliver file events"
	}
	return ""
}
