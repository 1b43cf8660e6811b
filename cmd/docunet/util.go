package main

import (
	"encoding/hex"
	"fmt"

	"docunet-network/core"
)

func peerIDFromHex(s string) (core.PeerID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("peer id %q is not hex: %w", s, err)
	}
	return core.PeerID(raw), nil
}

func digestHex(d core.Digest) string {
	return hex.EncodeToString(d[:])
}
