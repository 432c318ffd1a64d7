package security

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"
)

// stunServer answers UDP binding requests; used to establish whether a
// reflexive candidate is obtainable at all.
var stunServer = "stun.l.google.com:19302"

const (
	stunBindingRequest = 0x0001
	stunBindingSuccess = 0x0101
	stunMagicCookie    = 0x2112A442
	stunHeaderLen      = 20
	stunProbeTimeout   = 2 * time.Second
)

// stunReflexive sends one RFC 5389 binding request and reports whether a
// matching success response came back within the deadline. Networks that
// tunnel or block UDP typically fail this.
func stunReflexive(ctx context.Context, server string) bool {
	dialer := net.Dialer{Timeout: stunProbeTimeout}
	conn, err := dialer.DialContext(ctx, "udp", server)
	if err != nil {
		return false
	}
	defer conn.Close()

	var txID [12]byte
	if _, err := rand.Read(txID[:]); err != nil {
		return false
	}

	req := make([]byte, stunHeaderLen)
	binary.BigEndian.PutUint16(req[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0) // no attributes
	binary.BigEndian.PutUint32(req[4:8], stunMagicCookie)
	copy(req[8:20], txID[:])

	deadline := time.Now().Add(stunProbeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false
	}
	if _, err := conn.Write(req); err != nil {
		return false
	}

	resp := make([]byte, 1024)
	n, err := conn.Read(resp)
	if err != nil || n < stunHeaderLen {
		return false
	}

	if binary.BigEndian.Uint16(resp[0:2]) != stunBindingSuccess {
		return false
	}
	if binary.BigEndian.Uint32(resp[4:8]) != stunMagicCookie {
		return false
	}
	return string(resp[8:20]) == string(txID[:])
}
