//go:build darwin

package security

import "golang.org/x/sys/unix"

func peerCredentials(fd int) (PeerInfo, error) {
	pid, err := unix.GetsockoptInt(fd, unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	if err != nil {
		return PeerInfo{}, err
	}
	pi := PeerInfo{PID: pid}
	if xu, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED); err == nil {
		pi.UID = xu.Uid
		if xu.Ngroups > 0 {
			pi.GID = xu.Groups[0]
		}
	}
	return pi, nil
}
