package udi

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/protobuf/ptypes/wrappers"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-hip"
)

// Client talks to a running debug service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to address, which is a unix socket path (absolute or
// unix:// prefixed) or host:port.
func Dial(address string) (*Client, error) {
	target := parseAddress(address)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// parseAddress normalises an address for gRPC.
func parseAddress(address string) string {
	if strings.HasPrefix(address, "unix://") {
		return address
	}
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	return address
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status returns the daemon status fields.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodStatus, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return out.AsMap(), nil
}

// Inject sends a raw signal, header included, to the daemon's dispatcher.
func (c *Client) Inject(ctx context.Context, raw []byte) error {
	if err := c.conn.Invoke(ctx, methodInject, &wrappers.BytesValue{Value: raw}, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("inject: %w", err)
	}
	return nil
}

// Event delivers a lifecycle event and reports whether it was accepted.
func (c *Client) Event(ctx context.Context, ev hip.LifecycleEvent) (bool, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodEvent, &wrappers.StringValue{Value: ev.String()}, out); err != nil {
		return false, fmt.Errorf("event %s: %w", ev, err)
	}
	return out.GetFields()["accepted"].GetBoolValue(), nil
}

// Tail streams log entries matching f to fn until ctx is done, the
// server ends the stream or fn returns an error. The dropped count is the
// number of entries the server has discarded for this client so far.
func (c *Client) Tail(ctx context.Context, f Filter, fn func(e Entry, dropped uint64) error) error {
	req, err := filterToStruct(f)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], methodTail)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("tail: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tail: %w", err)
		}
		e, dropped, err := entryFromStruct(msg)
		if err != nil {
			return fmt.Errorf("tail: %w", err)
		}
		if err := fn(e, dropped); err != nil {
			return err
		}
	}
}

// Configure applies st to the daemon's device.
func (c *Client) Configure(ctx context.Context, st Settings) error {
	req, err := settingsToStruct(st)
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if err := c.conn.Invoke(ctx, methodConfigure, req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	return nil
}

// Send transmits a raw signal through the daemon's send path and returns
// the raw replies the request waited for.
func (c *Client) Send(ctx context.Context, raw []byte, opts SendOptions) (cfm, ind []byte, err error) {
	req, err := structpb.NewStruct(map[string]any{
		"signal": hex.EncodeToString(raw),
		"peer":   int(opts.Peer),
		"ac":     int(opts.AC),
		"cfm":    int(opts.CfmID),
		"ind":    int(opts.IndID),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("send: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodSend, req, out); err != nil {
		return nil, nil, fmt.Errorf("send: %w", err)
	}
	if cfm, err = hex.DecodeString(out.GetFields()["cfm"].GetStringValue()); err != nil {
		return nil, nil, fmt.Errorf("send: cfm: %w", err)
	}
	if ind, err = hex.DecodeString(out.GetFields()["ind"].GetStringValue()); err != nil {
		return nil, nil, fmt.Errorf("send: ind: %w", err)
	}
	return cfm, ind, nil
}

// TxDone returns a transmit credit to the peer's access class on vif.
func (c *Client) TxDone(ctx context.Context, vif uint16, peer, ac uint8) error {
	req, err := structpb.NewStruct(map[string]any{"vif": int(vif), "peer": int(peer), "ac": int(ac)})
	if err != nil {
		return fmt.Errorf("txdone: %w", err)
	}
	if err := c.conn.Invoke(ctx, methodTxDone, req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("txdone: %w", err)
	}
	return nil
}
