package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/invoice-scraper/jobs"
	"github.com/invoice-scraper/progress"
)

// Client is a typed client for the Jobs service
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a Jobs server without transport security
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// StartJob queues a batch and returns the client id it runs under
func (c *Client) StartJob(ctx context.Context, clientID string, ids []string) (string, bool, error) {
	list := make([]interface{}, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"client_id":   clientID,
		"booking_ids": list,
	})
	if err != nil {
		return "", false, err
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodStartJob, req, out); err != nil {
		return "", false, err
	}
	fields := out.GetFields()
	return fields["client_id"].GetStringValue(), fields["created"].GetBoolValue(), nil
}

func (c *Client) Progress(ctx context.Context, clientID string) (progress.Record, error) {
	var rec progress.Record
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodGetProgress, wrapperspb.String(clientID), out); err != nil {
		return rec, err
	}
	return rec, fromStruct(out, &rec)
}

func (c *Client) Result(ctx context.Context, clientID string) (jobs.Result, error) {
	var res jobs.Result
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodGetResult, wrapperspb.String(clientID), out); err != nil {
		return res, err
	}
	return res, fromStruct(out, &res)
}

// FetchArchive copies the named archive into w
func (c *Client) FetchArchive(ctx context.Context, name string, w io.Writer) (int64, error) {
	stream, err := c.cc.NewStream(ctx, &JobsServiceDesc.Streams[0], methodFetchArchive)
	if err != nil {
		return 0, err
	}
	if err := stream.SendMsg(wrapperspb.String(name)); err != nil {
		return 0, err
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}

	var total int64
	for {
		chunk := &wrapperspb.BytesValue{}
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk.GetValue())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// Health returns the server version when it reports healthy
func (c *Client) Health(ctx context.Context) (string, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodHealth, &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	fields := out.GetFields()
	if !fields["healthy"].GetBoolValue() {
		return "", errors.New("server reports unhealthy")
	}
	return fields["version"].GetStringValue(), nil
}

func fromStruct(s *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
