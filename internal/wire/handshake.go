package wire

import (
	"bufio"
	"fmt"
	"io"
)

// ErrNoCommonVersion is returned when the proxy's offered version set has
// no member in common with SupportedVersions; the caller must close the
// connection.
var ErrNoCommonVersion = fmt.Errorf("wire: handshake found no common version")

// Negotiate performs the handshake's Choose step: intersecting the
// proxy's offered versions against SupportedVersions and returning the
// first element in the proxy's offered order.
//
// The earliest entry of offered that SupportedVersions also contains wins,
// deterministically — never an arbitrary member of the intersection.
func Negotiate(offered []Version) (Version, error) {
	supported := make(map[Version]bool, len(SupportedVersions))
	for _, v := range SupportedVersions {
		supported[v] = true
	}
	for _, v := range offered {
		if supported[v] {
			return v, nil
		}
	}
	return 0, ErrNoCommonVersion
}

// ServerHandshake reads the proxy's opening Handshake frame, negotiates a
// version, and writes back the chosen version as a singleton Handshake
// frame. It returns ErrNoCommonVersion (without writing a reply) when
// negotiation fails; the caller is responsible for closing the connection
// in that case.
func ServerHandshake(r *bufio.Reader, w io.Writer) (Version, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return 0, fmt.Errorf("wire: handshake read: %w", err)
	}
	if f.Tag != TagHandshake {
		return 0, fmt.Errorf("wire: handshake expected tag %d, got %d", TagHandshake, f.Tag)
	}
	offered, err := DecodeHandshake(f.Payload)
	if err != nil {
		return 0, fmt.Errorf("wire: handshake decode: %w", err)
	}
	chosen, err := Negotiate(offered)
	if err != nil {
		return 0, err
	}
	reply := Frame{Tag: TagHandshake, Payload: EncodeHandshake([]Version{chosen})}
	if err := WriteFrame(w, reply); err != nil {
		return 0, fmt.Errorf("wire: handshake reply write: %w", err)
	}
	return chosen, nil
}
