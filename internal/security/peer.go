package security

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// PeerInfo describes the process on the other end of a unix socket.
// Fields stay zero when the platform cannot report them.
type PeerInfo struct {
	PID  int
	UID  uint32
	GID  uint32
	Path string // best-effort executable path
}

// PeerFromUnixConn extracts peer credentials from a *net.UnixConn.
func PeerFromUnixConn(conn *net.UnixConn) (PeerInfo, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerInfo{}, err
	}
	var pi PeerInfo
	var serr error
	err = raw.Control(func(fd uintptr) {
		pi, serr = peerCredentials(int(fd))
	})
	if err != nil {
		return PeerInfo{}, err
	}
	if serr != nil {
		return PeerInfo{}, serr
	}

	pi.Path = exePathForPID(pi.PID)
	return pi, nil
}

// PeerFromConn is PeerFromUnixConn for connections of unknown type. Non-unix
// connections yield an empty PeerInfo.
func PeerFromConn(conn net.Conn) PeerInfo {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerInfo{}
	}
	pi, err := PeerFromUnixConn(uc)
	if err != nil {
		return PeerInfo{}
	}
	return pi
}

// SameUser reports whether the peer runs as the current user.
func (pi PeerInfo) SameUser() bool {
	return int(pi.UID) == os.Getuid()
}

func exePathForPID(pid int) string {
	if pid <= 0 {
		return ""
	}
	switch runtime.GOOS {
	case "linux":
		p := fmt.Sprintf("/proc/%d/exe", pid)
		if target, err := os.Readlink(p); err == nil {
			return target
		}
	case "darwin":
		out, err := exec.Command("/bin/ps", "-o", "comm=", "-p", strconv.Itoa(pid)).Output()
		if err == nil {
			return filepath.Clean(strings.TrimSpace(string(out)))
		}
	}
	return ""
}

// String returns a human-readable representation of PeerInfo
func (pi PeerInfo) String() string {
	if pi.Path != "" {
		return fmt.Sprintf("PID:%d Path:%s UID:%d GID:%d", pi.PID, pi.Path, pi.UID, pi.GID)
	}
	return fmt.Sprintf("PID:%d UID:%d GID:%d", pi.PID, pi.UID, pi.GID)
}

func (pi PeerInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("pid", pi.PID),
		slog.Any("uid", pi.UID),
		slog.String("path", pi.Path),
	)
}
