package store

import (
	"bytes"
	"errors"
	"math"

	"github.com/sambigeara/nectar/pkg/auth"
	"github.com/sambigeara/nectar/pkg/entry"
	"github.com/sambigeara/nectar/pkg/types"
	"github.com/sambigeara/nectar/pkg/wire"
)

// RejectReason is why admission control refused an operation. It implements
// error so callers can match with errors.Is.
type RejectReason uint8

const (
	OwnershipMismatch RejectReason = iota + 1
	BadSignature
	StaleSequence
	OwnerChanged
	NotFound
	ReceiverMismatch
)

func (r RejectReason) String() string {
	switch r {
	case OwnershipMismatch:
		return "ownership_mismatch"
	case BadSignature:
		return "bad_signature"
	case StaleSequence:
		return "stale_sequence"
	case OwnerChanged:
		return "owner_changed"
	case NotFound:
		return "not_found"
	case ReceiverMismatch:
		return "receiver_mismatch"
	default:
		return "unknown"
	}
}

func (r RejectReason) Error() string {
	return "record rejected: " + r.String()
}

var ErrSequenceExhausted = errors.New("sequence number exhausted")

// Add admits a record published locally (from is zero) or received from a
// peer. It reports whether the store changed; an equal-sequence republish of a
// record already held succeeds without changing anything or rebroadcasting.
func (s *Store) Add(rec *entry.Record, from types.PeerAddr) (bool, error) {
	id, err := identity(rec)
	if err != nil {
		return s.reject(types.MsgKindAdd, id, from, BadSignature)
	}

	// The held owner check runs before the payload checks: a record held
	// under one key can never be touched by another, whatever else it claims.
	held, isHeld := s.records[id]
	if isHeld && !bytes.Equal(held.Owner, rec.Owner) {
		return s.reject(types.MsgKindAdd, id, from, OwnerChanged)
	}

	if reason := checkWriter(rec); reason != 0 {
		return s.reject(types.MsgKindAdd, id, from, reason)
	}
	if !verifySignature(rec) {
		return s.reject(types.MsgKindAdd, id, from, BadSignature)
	}

	republish := isHeld && held.Sequence == rec.Sequence
	if highest, ok := s.ledger.Highest(id); ok {
		if rec.Sequence < highest || (rec.Sequence == highest && !republish) {
			return s.reject(types.MsgKindAdd, id, from, StaleSequence)
		}
	}
	if republish {
		return false, nil
	}

	stored := rec.Clone()
	s.records[id] = stored
	s.ledger.Record(id, rec.Sequence)
	s.broadcast(types.MsgKindAdd, stored, from)
	s.metrics.Accepted(types.MsgKindAdd.String())

	s.log.Debugw("added record", "id", id.Short(), "seq", rec.Sequence, "peer", from, "update", isHeld)
	s.notify(Event{Kind: EventAdded, ID: id, Record: stored.Clone()})

	return true, nil
}

// Remove deletes a held single-owner record on behalf of its owner. The
// removal must carry a sequence strictly above anything seen, otherwise the
// original add message would double as a valid removal. Mailbox records only
// leave through RemoveMailbox.
func (s *Store) Remove(rec *entry.Record, from types.PeerAddr) (bool, error) {
	id, err := identity(rec)
	if err != nil {
		return s.reject(types.MsgKindRemove, id, from, BadSignature)
	}

	held, ok := s.records[id]
	if !ok {
		return s.reject(types.MsgKindRemove, id, from, NotFound)
	}
	if !bytes.Equal(held.Owner, rec.Owner) {
		return s.reject(types.MsgKindRemove, id, from, OwnerChanged)
	}
	if rec.Payload.Capability().Kind == entry.KindMailbox {
		return s.reject(types.MsgKindRemove, id, from, OwnershipMismatch)
	}
	if reason := checkOwner(rec); reason != 0 {
		return s.reject(types.MsgKindRemove, id, from, reason)
	}
	if !verifySignature(rec) {
		return s.reject(types.MsgKindRemove, id, from, BadSignature)
	}
	if !s.advances(id, held, rec.Sequence) {
		return s.reject(types.MsgKindRemove, id, from, StaleSequence)
	}

	s.delete(types.MsgKindRemove, id, held, rec, from)
	return true, nil
}

// RemoveMailbox deletes a held mailbox record on behalf of its receiver, who
// re-signs the payload with their own key.
func (s *Store) RemoveMailbox(rec *entry.Record, from types.PeerAddr) (bool, error) {
	id, err := identity(rec)
	if err != nil {
		return s.reject(types.MsgKindRemoveMailbox, id, from, BadSignature)
	}

	held, ok := s.records[id]
	if !ok {
		return s.reject(types.MsgKindRemoveMailbox, id, from, NotFound)
	}

	capability := rec.Payload.Capability()
	if capability.Kind != entry.KindMailbox {
		return s.reject(types.MsgKindRemoveMailbox, id, from, OwnershipMismatch)
	}
	if len(rec.Receiver) == 0 ||
		!bytes.Equal(rec.Owner, rec.Receiver) ||
		!bytes.Equal(rec.Receiver, capability.Receiver) ||
		!bytes.Equal(held.Receiver, rec.Receiver) {
		return s.reject(types.MsgKindRemoveMailbox, id, from, ReceiverMismatch)
	}
	if !verifySignature(rec) {
		return s.reject(types.MsgKindRemoveMailbox, id, from, BadSignature)
	}
	if !s.advances(id, held, rec.Sequence) {
		return s.reject(types.MsgKindRemoveMailbox, id, from, StaleSequence)
	}

	s.delete(types.MsgKindRemoveMailbox, id, held, rec, from)
	return true, nil
}

// Dispatch routes a wire message to the matching operation.
func (s *Store) Dispatch(msg *wire.Message, from types.PeerAddr) (bool, error) {
	switch msg.Kind {
	case types.MsgKindAdd:
		return s.Add(msg.Record, from)
	case types.MsgKindRemove:
		return s.Remove(msg.Record, from)
	case types.MsgKindRemoveMailbox:
		return s.RemoveMailbox(msg.Record, from)
	default:
		return false, wire.ErrUnknownKind
	}
}

// Mint signs payload with kp at the next sequence number for its identity.
// The record still has to go through Add, Remove or RemoveMailbox.
func (s *Store) Mint(p entry.Payload, kp auth.KeyPair) (*entry.Record, error) {
	id, err := entry.IdentityOf(p)
	if err != nil {
		return nil, err
	}

	var seq uint32
	if highest, ok := s.ledger.Highest(id); ok {
		if highest == math.MaxUint32 {
			return nil, ErrSequenceExhausted
		}
		seq = highest + 1
	}

	digest, err := entry.DigestForSignature(p, seq)
	if err != nil {
		return nil, err
	}
	sig, err := auth.Sign(kp.Priv, digest.Bytes())
	if err != nil {
		return nil, err
	}

	capability := p.Capability()
	if capability.Kind == entry.KindMailbox {
		return entry.NewMailboxRecord(p, kp.Pub, capability.Receiver, seq, sig, s.now()), nil
	}
	return entry.NewRecord(p, kp.Pub, seq, sig, s.now()), nil
}

func (s *Store) delete(kind types.MsgKind, id types.Hash160, held, rec *entry.Record, from types.PeerAddr) {
	delete(s.records, id)
	s.ledger.Record(id, rec.Sequence)
	s.broadcast(kind, rec, from)
	s.metrics.Accepted(kind.String())

	s.log.Debugw("removed record", "id", id.Short(), "seq", rec.Sequence, "peer", from, "op", kind.String())
	s.notify(Event{Kind: EventRemoved, ID: id, Record: held.Clone()})
}

func (s *Store) advances(id types.Hash160, held *entry.Record, seq uint32) bool {
	highest, ok := s.ledger.Highest(id)
	if !ok {
		highest = held.Sequence
	}
	return seq > highest
}

func (s *Store) reject(kind types.MsgKind, id types.Hash160, from types.PeerAddr, reason RejectReason) (bool, error) {
	s.metrics.Rejected(kind.String(), reason.String())
	s.log.Debugw("rejected record", "op", kind.String(), "id", id.Short(), "peer", from, "reason", reason.String())
	return false, reason
}

func identity(rec *entry.Record) (types.Hash160, error) {
	if rec == nil || rec.Payload == nil {
		return types.Hash160{}, errors.New("record missing payload")
	}
	return rec.Identity()
}

// checkWriter validates the key allowed to insert a payload.
func checkWriter(rec *entry.Record) RejectReason {
	if reason := checkOwner(rec); reason != 0 {
		return reason
	}

	capability := rec.Payload.Capability()
	if capability.Kind == entry.KindMailbox && !bytes.Equal(rec.Receiver, capability.Receiver) {
		return ReceiverMismatch
	}
	return 0
}

func checkOwner(rec *entry.Record) RejectReason {
	capability := rec.Payload.Capability()
	switch capability.Kind {
	case entry.KindSingleOwner:
		if len(capability.Owner) == 0 || !bytes.Equal(rec.Owner, capability.Owner) {
			return OwnershipMismatch
		}
	case entry.KindMailbox:
		if len(capability.Sender) == 0 || !bytes.Equal(rec.Owner, capability.Sender) {
			return OwnershipMismatch
		}
	default:
		return OwnershipMismatch
	}
	return 0
}

func verifySignature(rec *entry.Record) bool {
	digest, err := entry.DigestForSignature(rec.Payload, rec.Sequence)
	if err != nil {
		return false
	}
	return auth.Verify(rec.Owner, digest.Bytes(), rec.Signature)
}
