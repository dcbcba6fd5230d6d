//go:build linux

package security

import "golang.org/x/sys/unix"

func peerCredentials(fd int) (PeerInfo, error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return PeerInfo{}, err
	}
	return PeerInfo{PID: int(cred.Pid), UID: cred.Uid, GID: cred.Gid}, nil
}
