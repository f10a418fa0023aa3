package wire

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sambigeara/nectar/pkg/entry"
	"github.com/sambigeara/nectar/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize bounds a single encoded message. It leaves room for the
// largest payload plus keys and signature.
const MaxMessageSize = entry.MaxPayloadSize + 1024

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMissingRecord   = errors.New("message missing record")
	ErrMissingID       = errors.New("message missing id")
	ErrUnknownKind     = errors.New("unknown message kind")
)

const (
	fieldMsgID     protowire.Number = 1
	fieldMsgKind   protowire.Number = 2
	fieldMsgRecord protowire.Number = 3

	fieldRecPayloadType protowire.Number = 1
	fieldRecPayload     protowire.Number = 2
	fieldRecOwner       protowire.Number = 3
	fieldRecSequence    protowire.Number = 4
	fieldRecSignature   protowire.Number = 5
	fieldRecReceiver    protowire.Number = 6
)

// Message is a single gossip change carried between peers.
type Message struct {
	Record *entry.Record
	ID     string
	Kind   types.MsgKind
}

func NewMessage(kind types.MsgKind, rec *entry.Record) *Message {
	return &Message{ID: uuid.NewString(), Kind: kind, Record: rec}
}

func Marshal(m *Message) ([]byte, error) {
	if m.Record == nil {
		return nil, ErrMissingRecord
	}

	rec, err := marshalRecord(m.Record)
	if err != nil {
		return nil, err
	}

	b := protowire.AppendTag(nil, fieldMsgID, protowire.BytesType)
	b = protowire.AppendString(b, m.ID)
	b = protowire.AppendTag(b, fieldMsgKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = protowire.AppendTag(b, fieldMsgRecord, protowire.BytesType)
	b = protowire.AppendBytes(b, rec)

	if len(b) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return b, nil
}

// Unmarshal decodes a message received from a peer. The record's CreatedAt is
// stamped with now; peers never supply it.
func Unmarshal(b []byte, now time.Time) (*Message, error) {
	if len(b) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	m := &Message{}
	var recRaw []byte
	err := entry.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, r *entry.FieldReader) error {
		switch {
		case num == fieldMsgID && typ == protowire.BytesType:
			m.ID = string(r.Bytes())
		case num == fieldMsgKind && typ == protowire.VarintType:
			m.Kind = types.MsgKind(r.Varint())
		case num == fieldMsgRecord && typ == protowire.BytesType:
			recRaw = r.Bytes()
		default:
			return fmt.Errorf("unexpected message field %d", num)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch m.Kind {
	case types.MsgKindAdd, types.MsgKindRemove, types.MsgKindRemoveMailbox:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}
	if m.ID == "" {
		return nil, ErrMissingID
	}
	if recRaw == nil {
		return nil, ErrMissingRecord
	}

	m.Record, err = unmarshalRecord(recRaw, now)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func marshalRecord(rec *entry.Record) ([]byte, error) {
	if rec.Payload == nil {
		return nil, errors.New("record missing payload")
	}

	body, err := rec.Payload.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	b := protowire.AppendTag(nil, fieldRecPayloadType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Payload.Type()))
	b = protowire.AppendTag(b, fieldRecPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	b = protowire.AppendTag(b, fieldRecOwner, protowire.BytesType)
	b = protowire.AppendBytes(b, rec.Owner)
	b = protowire.AppendTag(b, fieldRecSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Sequence))
	b = protowire.AppendTag(b, fieldRecSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, rec.Signature)
	if len(rec.Receiver) > 0 {
		b = protowire.AppendTag(b, fieldRecReceiver, protowire.BytesType)
		b = protowire.AppendBytes(b, rec.Receiver)
	}
	return b, nil
}

func unmarshalRecord(b []byte, now time.Time) (*entry.Record, error) {
	var (
		payloadType uint32
		payloadRaw  []byte
		owner       []byte
		receiver    []byte
		sig         []byte
		seq         uint64
	)

	err := entry.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, r *entry.FieldReader) error {
		switch {
		case num == fieldRecPayloadType && typ == protowire.VarintType:
			payloadType = uint32(r.Varint())
		case num == fieldRecPayload && typ == protowire.BytesType:
			payloadRaw = r.Bytes()
		case num == fieldRecOwner && typ == protowire.BytesType:
			owner = r.Bytes()
		case num == fieldRecSequence && typ == protowire.VarintType:
			seq = r.Varint()
		case num == fieldRecSignature && typ == protowire.BytesType:
			sig = r.Bytes()
		case num == fieldRecReceiver && typ == protowire.BytesType:
			receiver = r.Bytes()
		default:
			return fmt.Errorf("unexpected record field %d", num)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if seq > uint64(^uint32(0)) {
		return nil, errors.New("sequence number out of range")
	}

	payload, err := entry.Decode(payloadType, payloadRaw)
	if err != nil {
		return nil, err
	}

	if len(receiver) > 0 {
		return entry.NewMailboxRecord(payload, ed25519.PublicKey(owner), ed25519.PublicKey(receiver), uint32(seq), sig, now), nil
	}
	return entry.NewRecord(payload, ed25519.PublicKey(owner), uint32(seq), sig, now), nil
}
