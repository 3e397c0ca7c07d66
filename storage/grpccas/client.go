package grpccas

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"xdao.co/audex/cidutil"
	"xdao.co/audex/storage"
)

// Client implements storage.CAS over a CAS gRPC service.
type Client struct {
	cc *grpc.ClientConn

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

var _ storage.CAS = (*Client)(nil)

type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
}

func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return NewClient(cc), nil
}

// NewClient wraps an established connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) Put(ctx context.Context, data []byte, mediaHint string) (cid.Cid, error) {
	if c == nil || c.cc == nil {
		return cid.Undef, storage.ErrUnavailable
	}
	expected, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, err
	}

	var reply PutReply
	if err := c.invoke(ctx, "Put", &PutRequest{Data: data, MediaHint: mediaHint}, &reply); err != nil {
		return cid.Undef, err
	}
	id, err := cid.Decode(reply.CID)
	if err != nil || !id.Defined() {
		return cid.Undef, storage.ErrInvalidCID
	}
	if !id.Equals(expected) {
		return cid.Undef, storage.ErrCIDMismatch
	}
	return id, nil
}

func (c *Client) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	var reply GetReply
	if err := c.invoke(ctx, "Get", &CIDRequest{CID: id.String()}, &reply); err != nil {
		return nil, err
	}
	b := reply.Data
	if err := cidutil.Verify(id, b); err != nil {
		return nil, storage.ErrCIDMismatch
	}
	return b, nil
}

func (c *Client) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	var reply HasReply
	if err := c.invoke(ctx, "Has", &CIDRequest{CID: id.String()}, &reply); err != nil {
		return false, err
	}
	return reply.Present, nil
}

// invoke runs one unary call in the audexcas content subtype and maps its
// status onto the storage errors.
func (c *Client) invoke(ctx context.Context, method string, in, out message) error {
	if c == nil || c.cc == nil {
		return storage.ErrUnavailable
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(codecName)); err != nil {
		return mapRPC(err)
	}
	return nil
}

func (c *Client) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.Timeout)
}
