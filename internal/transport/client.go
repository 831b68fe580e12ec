package transport

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
)

// ClientConfig configures remote store handles
type ClientConfig struct {
	// Timeout bounds each call, defaults to 5s
	Timeout     time.Duration
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

// Client is a store.Store backed by a remote shard
type Client struct {
	id            store.Identity
	conn          *grpc.ClientConn
	timeout       time.Duration
	logger        *zap.Logger
	checkIfOnline atomic.Bool
}

var _ store.Store = (*Client)(nil)

// NewClient connects lazily to the shard at id.Address
func NewClient(id store.Identity, cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient("passthrough:///"+id.Address, opts...)
	if err != nil {
		return nil, apperrors.Unreachable("failed to create connection to "+id.Address, err).
			WithDetail("address", id.Address)
	}
	return &Client{id: id, conn: conn, timeout: cfg.Timeout, logger: cfg.Logger}, nil
}

// Factory returns a Factory opening remote handles
func Factory(cfg ClientConfig) store.Factory {
	return func(id store.Identity) (store.Store, error) {
		return NewClient(id, cfg)
	}
}

func (c *Client) ClusterID() string { return c.id.ClusterID }
func (c *Client) StoreID() string   { return c.id.StoreID }
func (c *Client) Address() string   { return c.id.Address }
func (c *Client) Name() string      { return c.id.Name() }

func (c *Client) SetCheckIfOnline(check bool) { c.checkIfOnline.Store(check) }

func (c *Client) invoke(ctx context.Context, method string, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req.ClusterID = c.id.ClusterID
	req.StoreID = c.id.StoreID
	req.CheckOnline = c.checkIfOnline.Load()

	resp := new(Response)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return nil, apperrors.FromGRPC(err)
	}
	return resp, nil
}

func (c *Client) GetTopology(ctx context.Context) (*model.Topology, error) {
	resp, err := c.invoke(ctx, MethodGetTopology, &Request{})
	if err != nil {
		return nil, err
	}
	topo, err := model.TopologyFromEntries(resp.Topology)
	if err != nil {
		return nil, apperrors.InvalidTopology("malformed topology from "+c.id.Address, err)
	}
	return topo, nil
}

func (c *Client) Add(ctx context.Context, value string) error {
	if err := store.ValidateValue(value); err != nil {
		return err
	}
	_, err := c.invoke(ctx, MethodAdd, &Request{Value: value})
	return err
}

func (c *Client) Remove(ctx context.Context, value string) error {
	if err := store.ValidateValue(value); err != nil {
		return err
	}
	_, err := c.invoke(ctx, MethodRemove, &Request{Value: value})
	return err
}

func (c *Client) Lookup(ctx context.Context, value string) (bool, error) {
	if err := store.ValidateValue(value); err != nil {
		return false, err
	}
	resp, err := c.invoke(ctx, MethodLookup, &Request{Value: value})
	if err != nil {
		return false, err
	}
	return resp.Found, nil
}

func (c *Client) GetTimestamps(ctx context.Context) (*model.Timestamps, error) {
	resp, err := c.invoke(ctx, MethodGetTimestamps, &Request{})
	if err != nil {
		return nil, err
	}
	if resp.Timestamps == nil {
		return model.NewTimestamps(), nil
	}
	return resp.Timestamps, nil
}

func (c *Client) UpdateMaxTimestamps(ctx context.Context, ts *model.Timestamps) error {
	_, err := c.invoke(ctx, MethodUpdateMaxTimestamps, &Request{Timestamps: ts})
	return err
}

func (c *Client) GetUpdates(ctx context.Context, since *model.Timestamps) ([]*model.Element, error) {
	resp, err := c.invoke(ctx, MethodGetUpdates, &Request{Timestamps: since})
	if err != nil {
		return nil, err
	}
	return resp.Elements, nil
}

func (c *Client) AddUpdates(ctx context.Context, elements []*model.Element) error {
	_, err := c.invoke(ctx, MethodAddUpdates, &Request{Elements: elements})
	return err
}

func (c *Client) Clear(ctx context.Context) error {
	_, err := c.invoke(ctx, MethodClear, &Request{})
	return err
}

func (c *Client) SetOnline(ctx context.Context, online bool) error {
	_, err := c.invoke(ctx, MethodSetOnline, &Request{Online: online})
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}
