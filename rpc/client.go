package rpc

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/message"
	hubsync "github.com/teranos/hub/sync"
	"github.com/teranos/hub/syncid"
	"github.com/teranos/hub/trie"
)

// Client implements sync.Peer against a remote hub's sync service
type Client struct {
	conn *grpc.ClientConn
	addr string
}

var _ hubsync.Peer = (*Client)(nil)

// Dial creates a client for addr. The connection is established lazily on
// the first call; extra options are appended to the defaults (tests pass a
// bufconn dialer).
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create sync client for %s", addr)
	}
	return &Client{conn: conn, addr: addr}, nil
}

// Addr is the address the client was dialed with
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return fromStatus(c.conn.Invoke(ctx, method, req, resp), method)
}

func (c *Client) GetInfo(ctx context.Context) (*hubsync.PeerInfo, error) {
	resp := new(infoResponse)
	if err := c.invoke(ctx, methodGetInfo, &infoRequest{}, resp); err != nil {
		return nil, err
	}
	return &resp.Info, nil
}

func (c *Client) GetSnapshotByPrefix(ctx context.Context, prefix []byte) (*trie.Snapshot, error) {
	resp := new(snapshotResponse)
	if err := c.invoke(ctx, methodGetSnapshotByPrefix, &prefixRequest{Prefix: prefix}, resp); err != nil {
		return nil, err
	}
	return &resp.Snapshot, nil
}

func (c *Client) GetNodeMetadataByPrefix(ctx context.Context, prefix []byte) (*trie.NodeMetadata, error) {
	resp := new(metadataResponse)
	if err := c.invoke(ctx, methodGetNodeMetadataByPrefix, &prefixRequest{Prefix: prefix}, resp); err != nil {
		return nil, err
	}
	return &resp.Node, nil
}

func (c *Client) GetAllIdsByPrefix(ctx context.Context, prefix []byte) ([]syncid.ID, error) {
	resp := new(idsResponse)
	if err := c.invoke(ctx, methodGetAllIdsByPrefix, &prefixRequest{Prefix: prefix}, resp); err != nil {
		return nil, err
	}
	return resp.Ids, nil
}

func (c *Client) GetMessagesByIds(ctx context.Context, ids []syncid.ID) ([]*message.Message, error) {
	resp := new(messagesResponse)
	if err := c.invoke(ctx, methodGetMessagesByIds, &idsRequest{Ids: ids}, resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) GetSignerMessagesByFid(ctx context.Context, fid uint64) ([]*message.Message, error) {
	resp := new(messagesResponse)
	if err := c.invoke(ctx, methodGetSignerMessagesByFid, &fidRequest{Fid: fid}, resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Pool keeps one client per peer address
type Pool struct {
	opts []grpc.DialOption
	log  *zap.SugaredLogger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty pool; opts are passed to every Dial
func NewPool(log *zap.SugaredLogger, opts ...grpc.DialOption) *Pool {
	if log == nil {
		log = logger.Logger
	}
	return &Pool{opts: opts, log: log, clients: make(map[string]*Client)}
}

// Get returns the client for addr, dialing it on first use
func (p *Pool) Get(addr string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, err := Dial(addr, p.opts...)
	if err != nil {
		return nil, err
	}
	p.clients[addr] = c
	return c, nil
}

// Retain closes clients whose address is not in keep
func (p *Pool) Retain(keep map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.clients {
		if keep[addr] {
			continue
		}
		if err := c.Close(); err != nil {
			p.log.Debugw("Failed to close sync client",
				logger.FieldAddress, addr,
				logger.FieldError, err)
		}
		delete(p.clients, addr)
	}
}

// Close closes every client
func (p *Pool) Close() {
	p.Retain(nil)
}
