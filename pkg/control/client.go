package control

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
)

const clientTimeout = 10 * time.Second

type Client struct {
	publish     *connect.Client[BlobRequest, RecordReceipt]
	retract     *connect.Client[BlobRequest, RecordReceipt]
	listRecords *connect.Client[ListRecordsRequest, ListRecordsResponse]
}

// Dial returns a client for the node serving the socket at path. Nothing is
// dialled until the first call.
func Dial(path string) *Client {
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", path)
		},
	}
	httpClient := &http.Client{
		Timeout:   clientTimeout,
		Transport: transport,
	}

	opts := []connect.ClientOption{connect.WithGRPC(), connect.WithCodec(jsonCodec{})}
	return &Client{
		publish:     connect.NewClient[BlobRequest, RecordReceipt](httpClient, "http://unix"+PublishProcedure, opts...),
		retract:     connect.NewClient[BlobRequest, RecordReceipt](httpClient, "http://unix"+RetractProcedure, opts...),
		listRecords: connect.NewClient[ListRecordsRequest, ListRecordsResponse](httpClient, "http://unix"+ListRecordsProcedure, opts...),
	}
}

func (c *Client) Publish(ctx context.Context, req *BlobRequest) (*RecordReceipt, error) {
	resp, err := c.publish.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Retract(ctx context.Context, req *BlobRequest) (*RecordReceipt, error) {
	resp, err := c.retract.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListRecords(ctx context.Context) ([]RecordInfo, error) {
	resp, err := c.listRecords.CallUnary(ctx, connect.NewRequest(&ListRecordsRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Records, nil
}
