package types

import (
	"bytes"
	"encoding/hex"
	"errors"
)

const (
	Hash160Size = 20
	Hash256Size = 32
)

var errHashLength = errors.New("invalid hash length")

// Hash160 is the content identity of a payload, the key used by the store and
// the sequence ledger.
type Hash160 [Hash160Size]byte

func Hash160FromBytes(b []byte) (Hash160, error) {
	var h Hash160
	if len(b) != Hash160Size {
		return h, errHashLength
	}
	copy(h[:], b)
	return h, nil
}

func Hash160FromString(s string) (Hash160, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash160{}, err
	}
	return Hash160FromBytes(b)
}

func (h Hash160) Bytes() []byte {
	return h[:]
}

func (h Hash160) String() string {
	return hex.EncodeToString(h[:])
}

// Short is the abbreviated form used in logs and tables.
func (h Hash160) Short() string {
	return h.String()[:8]
}

func (h Hash160) Compare(other Hash160) int {
	return bytes.Compare(h[:], other[:])
}

func (h Hash160) Less(other Hash160) bool {
	return h.Compare(other) < 0
}

// Hash256 is the digest a record signature is computed over.
type Hash256 [Hash256Size]byte

func (h Hash256) Bytes() []byte {
	return h[:]
}

func (h Hash256) String() string {
	return hex.EncodeToString(h[:])
}

// PeerAddr identifies the peer a message came from. The zero value means the
// message was authored locally.
type PeerAddr string

func (a PeerAddr) IsZero() bool {
	return a == ""
}

type MsgKind uint32

const (
	MsgKindAdd MsgKind = iota + 1
	MsgKindRemove
	MsgKindRemoveMailbox
)

func (k MsgKind) String() string {
	switch k {
	case MsgKindAdd:
		return "add"
	case MsgKindRemove:
		return "remove"
	case MsgKindRemoveMailbox:
		return "remove_mailbox"
	default:
		return "unknown"
	}
}
