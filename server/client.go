package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mickamy/grpc-mediator/config"
	"github.com/mickamy/grpc-mediator/timeline"
)

// Client talks to a daemon's InspectService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the daemon at addr.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in any, out any) error {
	req, err := requestOf(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := FromStruct(resp, out); err != nil {
		return fmt.Errorf("server: decode %s: %w", method, err)
	}
	return nil
}

func requestOf(in any) (any, error) {
	if in == nil {
		return &emptypb.Empty{}, nil
	}
	return ToStruct(in)
}

// ListCalls returns the summaries of the retained calls, oldest first.
func (c *Client) ListCalls(ctx context.Context) ([]timeline.Summary, error) {
	var out CallList
	if err := c.invoke(ctx, ListCallsMethod, nil, &out); err != nil {
		return nil, err
	}
	return out.Calls, nil
}

// GetCall returns the view of call id.
func (c *Client) GetCall(ctx context.Context, id string, resolve bool) (timeline.View, error) {
	var v timeline.View
	err := c.invoke(ctx, GetCallMethod, CallRequest{ID: id, Resolve: resolve}, &v)
	return v, err
}

// GetConfig returns the daemon's configuration.
func (c *Client) GetConfig(ctx context.Context) (config.Config, error) {
	var cfg config.Config
	err := c.invoke(ctx, GetConfigMethod, nil, &cfg)
	return cfg, err
}

// UpdateConfig replaces the daemon's configuration and returns its
// warnings.
func (c *Client) UpdateConfig(ctx context.Context, cfg config.Config) ([]string, error) {
	var out UpdateResult
	if err := c.invoke(ctx, UpdateConfigMethod, cfg, &out); err != nil {
		return nil, err
	}
	return out.Warnings, nil
}

// WatchStream receives call updates.
type WatchStream struct {
	stream grpc.ClientStream
}

// Watch subscribes to call updates until ctx ends.
func (c *Client) Watch(ctx context.Context) (*WatchStream, error) {
	stream, err := c.conn.NewStream(ctx, &InspectServiceDesc.Streams[0], WatchMethod)
	if err != nil {
		return nil, fmt.Errorf("server: watch: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, fmt.Errorf("server: watch: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("server: watch: %w", err)
	}
	return &WatchStream{stream: stream}, nil
}

// Recv blocks for the next update.
func (w *WatchStream) Recv() (timeline.Update, error) {
	msg := &structpb.Struct{}
	if err := w.stream.RecvMsg(msg); err != nil {
		return timeline.Update{}, err
	}
	var u timeline.Update
	if err := FromStruct(msg, &u); err != nil {
		return timeline.Update{}, fmt.Errorf("server: decode update: %w", err)
	}
	return u, nil
}
