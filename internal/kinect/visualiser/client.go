package visualiser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client consumes a FrameStream service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a FrameStream server without TLS. Extra options are
// appended, e.g. a custom dialer in tests.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame stream client: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status calls GetStatus.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getStatusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamFrames calls fn for every frame until ctx is cancelled, the server
// ends the stream or fn returns an error. onHeader, if set, receives the
// advertised frame size before the first frame.
func (c *Client) StreamFrames(ctx context.Context, onHeader func(bytesPerFrame int), fn func(frame []byte) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &FrameStreamServiceDesc.Streams[0], streamFramesMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	md, err := stream.Header()
	if err != nil {
		return err
	}
	if onHeader != nil {
		size := 0
		if v := md.Get(headerBytesPerFrame); len(v) > 0 {
			size, _ = strconv.Atoi(v[0])
		}
		onHeader(size)
	}

	for {
		m := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(m.GetValue()); err != nil {
			return err
		}
	}
}
