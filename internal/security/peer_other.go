//go:build !linux && !darwin

package security

import (
	"fmt"
	"runtime"
)

func peerCredentials(int) (PeerInfo, error) {
	return PeerInfo{}, fmt.Errorf("peer creds unsupported on %s", runtime.GOOS)
}
