// Package control is the local API a running node serves to the nectar CLI
// over a unix socket in its data directory. Authoring goes through the node
// so sequence numbers come from the ledger that is following the network.
package control

import (
	"encoding/json"
	"errors"
	"time"
)

const SocketName = "nectar.sock"

const (
	serviceName = "nectar.control.v1.ControlService"

	PublishProcedure     = "/" + serviceName + "/Publish"
	RetractProcedure     = "/" + serviceName + "/Retract"
	ListRecordsProcedure = "/" + serviceName + "/ListRecords"
)

var ErrSocketInUse = errors.New("control socket is served by another process")

// BlobRequest describes a blob signed with the node's key. To addresses a
// mailbox blob the node sends; From names the sender of a mailbox blob
// addressed to the node. At most one of them may be set.
type BlobRequest struct {
	Data      []byte `json:"data,omitempty"`
	To        []byte `json:"to,omitempty"`
	From      []byte `json:"from,omitempty"`
	TTLMillis int64  `json:"ttlMillis"`
}

func (r *BlobRequest) TTL() time.Duration {
	return time.Duration(r.TTLMillis) * time.Millisecond
}

type RecordReceipt struct {
	ID       string `json:"id"`
	Sequence uint32 `json:"sequence"`
}

type ListRecordsRequest struct{}

type RecordInfo struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Owner     string    `json:"owner"`
	Receiver  string    `json:"receiver,omitempty"`
	TTLMillis int64     `json:"ttlMillis"`
	Sequence  uint32    `json:"sequence"`
}

type ListRecordsResponse struct {
	Records []RecordInfo `json:"records"`
}

// jsonCodec carries the plain request structs above. It takes the name of
// connect's built-in JSON codec, which only accepts protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
