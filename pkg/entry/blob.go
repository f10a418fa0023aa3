package entry

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	TypeOwnedBlob   uint32 = 1
	TypeMailboxBlob uint32 = 2
)

// maxLifetimeMillis is the longest lifetime a time.Duration can hold.
const maxLifetimeMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

var (
	errMalformed       = errors.New("malformed payload")
	ErrInvalidLifetime = errors.New("payload lifetime out of range")
)

func appendLifetime(b []byte, num protowire.Number, d time.Duration) ([]byte, error) {
	if d < 0 {
		return nil, ErrInvalidLifetime
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(d.Milliseconds())), nil
}

func consumeLifetime(r *FieldReader) (time.Duration, error) {
	ms := r.Varint()
	if ms > maxLifetimeMillis {
		return 0, ErrInvalidLifetime
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func init() {
	Register(TypeOwnedBlob, decodeOwnedBlob)
	Register(TypeMailboxBlob, decodeMailboxBlob)
}

// OwnedBlob is opaque application data that only its owner may publish or
// remove, such as an offer.
type OwnedBlob struct {
	Owner    ed25519.PublicKey
	Data     []byte
	Lifetime time.Duration
}

func (b *OwnedBlob) Type() uint32       { return TypeOwnedBlob }
func (b *OwnedBlob) TTL() time.Duration { return b.Lifetime }

func (b *OwnedBlob) Capability() Capability {
	return Capability{Kind: KindSingleOwner, Owner: b.Owner}
}

func (b *OwnedBlob) MarshalBinary() ([]byte, error) {
	out := protowire.AppendTag(nil, 1, protowire.BytesType)
	out = protowire.AppendBytes(out, b.Owner)
	out, err := appendLifetime(out, 2, b.Lifetime)
	if err != nil {
		return nil, err
	}
	out = protowire.AppendTag(out, 3, protowire.BytesType)
	out = protowire.AppendBytes(out, b.Data)
	return out, nil
}

func decodeOwnedBlob(b []byte) (Payload, error) {
	out := &OwnedBlob{}
	err := ConsumeFields(b, func(num protowire.Number, typ protowire.Type, r *FieldReader) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			out.Owner = ed25519.PublicKey(r.Bytes())
		case num == 2 && typ == protowire.VarintType:
			lifetime, err := consumeLifetime(r)
			if err != nil {
				return err
			}
			out.Lifetime = lifetime
		case num == 3 && typ == protowire.BytesType:
			out.Data = r.Bytes()
		default:
			return fmt.Errorf("%w: unexpected field %d", errMalformed, num)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MailboxBlob is data a sender addresses to a single receiver. The sender
// inserts it; only the receiver may remove it.
type MailboxBlob struct {
	Sender   ed25519.PublicKey
	Receiver ed25519.PublicKey
	Data     []byte
	Lifetime time.Duration
}

func (b *MailboxBlob) Type() uint32       { return TypeMailboxBlob }
func (b *MailboxBlob) TTL() time.Duration { return b.Lifetime }

func (b *MailboxBlob) Capability() Capability {
	return Capability{Kind: KindMailbox, Sender: b.Sender, Receiver: b.Receiver}
}

func (b *MailboxBlob) MarshalBinary() ([]byte, error) {
	out := protowire.AppendTag(nil, 1, protowire.BytesType)
	out = protowire.AppendBytes(out, b.Sender)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, b.Receiver)
	out, err := appendLifetime(out, 3, b.Lifetime)
	if err != nil {
		return nil, err
	}
	out = protowire.AppendTag(out, 4, protowire.BytesType)
	out = protowire.AppendBytes(out, b.Data)
	return out, nil
}

func decodeMailboxBlob(b []byte) (Payload, error) {
	out := &MailboxBlob{}
	err := ConsumeFields(b, func(num protowire.Number, typ protowire.Type, r *FieldReader) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			out.Sender = ed25519.PublicKey(r.Bytes())
		case num == 2 && typ == protowire.BytesType:
			out.Receiver = ed25519.PublicKey(r.Bytes())
		case num == 3 && typ == protowire.VarintType:
			lifetime, err := consumeLifetime(r)
			if err != nil {
				return err
			}
			out.Lifetime = lifetime
		case num == 4 && typ == protowire.BytesType:
			out.Data = r.Bytes()
		default:
			return fmt.Errorf("%w: unexpected field %d", errMalformed, num)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
