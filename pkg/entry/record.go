package entry

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/sambigeara/nectar/pkg/types"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
)

// Record is a signed, sequenced payload as held by the store. Receiver is only
// set for records wrapping a mailbox payload. CreatedAt is the local time the
// record was built or decoded; it is never sent to peers.
type Record struct {
	CreatedAt time.Time
	Payload   Payload
	Owner     ed25519.PublicKey
	Receiver  ed25519.PublicKey
	Signature []byte
	TTL       time.Duration
	Sequence  uint32
}

func NewRecord(p Payload, owner ed25519.PublicKey, seq uint32, sig []byte, now time.Time) *Record {
	return &Record{
		Payload:   p,
		TTL:       p.TTL(),
		Owner:     append(ed25519.PublicKey(nil), owner...),
		Sequence:  seq,
		Signature: append([]byte(nil), sig...),
		CreatedAt: now,
	}
}

func NewMailboxRecord(p Payload, owner, receiver ed25519.PublicKey, seq uint32, sig []byte, now time.Time) *Record {
	rec := NewRecord(p, owner, seq, sig, now)
	rec.Receiver = append(ed25519.PublicKey(nil), receiver...)
	return rec
}

func (r *Record) IsMailbox() bool {
	return r.Payload != nil && r.Payload.Capability().Kind == KindMailbox
}

// Expired reports whether the record outlived its TTL.
func (r *Record) Expired(now time.Time) bool {
	return now.Sub(r.CreatedAt) > r.TTL
}

func (r *Record) Identity() (types.Hash160, error) {
	return IdentityOf(r.Payload)
}

// Clone returns a deep copy sharing only the immutable payload.
func (r *Record) Clone() *Record {
	c := *r
	c.Owner = append(ed25519.PublicKey(nil), r.Owner...)
	c.Signature = append([]byte(nil), r.Signature...)
	if r.Receiver != nil {
		c.Receiver = append(ed25519.PublicKey(nil), r.Receiver...)
	}
	return &c
}

// IdentityOf computes RIPEMD160(SHA256(encoding)) of a payload.
func IdentityOf(p Payload) (types.Hash160, error) {
	b, err := Encode(p)
	if err != nil {
		return types.Hash160{}, err
	}

	inner := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(inner[:])

	var id types.Hash160
	copy(id[:], h.Sum(nil))
	return id, nil
}

// DigestForSignature computes SHA256(encoding || seq) so a signature can never
// be replayed with a different sequence number.
func DigestForSignature(p Payload, seq uint32) (types.Hash256, error) {
	b, err := Encode(p)
	if err != nil {
		return types.Hash256{}, err
	}

	b = binary.BigEndian.AppendUint32(b, seq)
	return types.Hash256(sha256.Sum256(b)), nil
}
