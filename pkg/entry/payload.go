package entry

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxPayloadSize bounds the encoded size of any payload accepted from the wire.
const MaxPayloadSize = 60 << 10

var (
	ErrUnknownPayloadType = errors.New("unknown payload type")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrNonCanonical       = errors.New("payload encoding is not canonical")
)

type Kind uint8

const (
	KindSingleOwner Kind = iota + 1
	KindMailbox
)

func (k Kind) String() string {
	switch k {
	case KindSingleOwner:
		return "single_owner"
	case KindMailbox:
		return "mailbox"
	default:
		return "unknown"
	}
}

// Capability describes who may write a payload. Owner is set for
// KindSingleOwner; Sender and Receiver are set for KindMailbox.
type Capability struct {
	Owner    ed25519.PublicKey
	Sender   ed25519.PublicKey
	Receiver ed25519.PublicKey
	Kind     Kind
}

// Payload is the application value carried by a record. The store only looks
// at its TTL and capability; MarshalBinary must be deterministic because the
// record identity and signature digest are computed over it.
type Payload interface {
	Type() uint32
	TTL() time.Duration
	Capability() Capability
	MarshalBinary() ([]byte, error)
}

type DecodeFunc func(b []byte) (Payload, error)

var (
	registryMu sync.RWMutex
	registry   = map[uint32]DecodeFunc{}
)

// Register installs the decoder for a payload type. Registering the same type
// twice panics.
func Register(typ uint32, fn DecodeFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[typ]; ok {
		panic(fmt.Sprintf("entry: payload type %d already registered", typ))
	}
	registry[typ] = fn
}

// Decode rebuilds a payload of the given type and rejects encodings that do
// not round-trip byte for byte.
func Decode(typ uint32, b []byte) (Payload, error) {
	if len(b) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	registryMu.RLock()
	fn, ok := registry[typ]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPayloadType, typ)
	}

	p, err := fn(b)
	if err != nil {
		return nil, fmt.Errorf("decode payload type %d: %w", typ, err)
	}

	again, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(again, b) {
		return nil, ErrNonCanonical
	}

	return p, nil
}

// Encode returns the canonical bytes of a payload, prefixed with its type so
// two payload types with the same body never share an identity.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}

	body, err := p.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if len(body) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	b := make([]byte, 0, len(body)+protowire.SizeVarint(uint64(p.Type()))+protowire.SizeBytes(len(body))+2)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Type()))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b, nil
}
