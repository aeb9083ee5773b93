package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const generateStreamMethod = "/fmaas.GenerationService/GenerateStream"

var generateStreamDesc = grpc.StreamDesc{
	StreamName:    "GenerateStream",
	ServerStreams: true,
}

// rawCodec passes already-encoded protobuf frames through untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec cannot marshal %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string {
	return "proto"
}

// RawCodec returns the pass-through codec used for the generation stream.
// Servers in tests register it with grpc.ForceServerCodec.
func RawCodec() encoding.Codec {
	return rawCodec{}
}

// GenerationClient streams generations from a fmaas GenerationService.
type GenerationClient struct {
	conn *grpc.ClientConn
}

// NewGenerationClient connects to addr (host:port) without transport security.
func NewGenerationClient(addr string, opts ...grpc.DialOption) (*GenerationClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &GenerationClient{conn: conn}, nil
}

// Send decodes payload as a JSON GenerationRequest, opens a GenerateStream
// call and returns a Decoder over its frames.
func (c *GenerationClient) Send(ctx context.Context, payload []byte) (Decoder, error) {
	var req GenerationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding generation request: %w", err)
	}
	frame, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cs, err := c.conn.NewStream(ctx, &generateStreamDesc, generateStreamMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cs.SendMsg(&frame); err != nil {
		cancel()
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	return NewGenerationDecoder(clientStreamFrames{cs}, cancel), nil
}

func (c *GenerationClient) Close() error {
	return c.conn.Close()
}

type clientStreamFrames struct {
	cs grpc.ClientStream
}

func (f clientStreamFrames) Recv() ([]byte, error) {
	var frame []byte
	if err := f.cs.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// NewClient returns the streaming client for protocol p at endpoint.
func NewClient(p Protocol, endpoint string, opts ...HTTPOption) (Client, error) {
	var c Client
	var err error
	switch p {
	case ProtocolVLLM:
		c, err = NewHTTPClient(endpoint, defaultReadTimeout, opts...)
	case ProtocolTGIS:
		c, err = NewGenerationClient(endpoint)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", p)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
