package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
	"github.com/devrev/orset/internal/store/storetest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// serveNetwork starts one gRPC server per topology address, all on bufconn
func serveNetwork(t *testing.T, network *store.MemoryNetwork, topo *model.Topology) ClientConfig {
	listeners := make(map[string]*bufconn.Listener)
	topo.Each(func(_, _ string, e model.Endpoint) {
		lis := bufconn.Listen(1 << 20)
		listeners[e.Address()] = lis

		srv := NewServer(e.Address(), network.Factory(), zap.NewNop())
		gs := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(zap.NewNop())))
		RegisterStoreServer(gs, srv)
		go func() { _ = gs.Serve(lis) }()
		t.Cleanup(func() {
			gs.Stop()
			_ = srv.Close()
		})
	})

	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, &net.OpError{Op: "dial", Net: "bufconn", Err: net.UnknownNetworkError(addr)}
		}
		return lis.DialContext(ctx)
	}
	return ClientConfig{
		Timeout:     2 * time.Second,
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(dialer)},
	}
}

func TestClient_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) *storetest.Harness {
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		ttl := time.Minute
		network := store.NewMemoryNetwork(store.WithOptions(store.Options{TTL: ttl, Clock: clock.Now}))
		topo := storetest.Topology()
		require.NoError(t, network.Seed(topo))
		cfg := serveNetwork(t, network, topo)

		return &storetest.Harness{
			Topology: topo,
			TTL:      ttl,
			Advance:  clock.Advance,
			Open: func(t *testing.T, id store.Identity) store.Store {
				c, err := NewClient(id, cfg)
				require.NoError(t, err)
				t.Cleanup(func() { _ = c.Close() })
				return c
			},
		}
	})
}

func TestClient_UnreachableServer(t *testing.T) {
	network := store.NewMemoryNetwork()
	topo := storetest.Topology()
	require.NoError(t, network.Seed(topo))
	cfg := serveNetwork(t, network, topo)
	cfg.Timeout = 200 * time.Millisecond

	c, err := NewClient(store.Identity{ClusterID: "Z", StoreID: "z", Address: "127.0.0.1:1"}, cfg)
	require.NoError(t, err)
	defer c.Close()

	err = c.Add(context.Background(), "v")
	require.Error(t, err)
	assert.True(t, apperrors.IsUnreachable(err))
}

func TestClient_ValidatesBeforeCalling(t *testing.T) {
	c, err := NewClient(store.Identity{ClusterID: "A", StoreID: "x", Address: "127.0.0.1:1"}, ClientConfig{})
	require.NoError(t, err)
	defer c.Close()

	err = c.Add(context.Background(), "bad:value")
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))
}

func TestServer_UnknownMethod(t *testing.T) {
	network := store.NewMemoryNetwork()
	require.NoError(t, network.Host("127.0.0.1:7001"))
	srv := NewServer("127.0.0.1:7001", network.Factory(), nil)

	_, err := srv.Handle(context.Background(), "Drop", &Request{ClusterID: "A", StoreID: "x"})
	assert.Error(t, err)
}

func TestServer_MapsStoreErrorsToStatus(t *testing.T) {
	network := store.NewMemoryNetwork()
	srv := NewServer("127.0.0.1:7001", network.Factory(), nil)

	// nothing is hosted at the address
	_, err := srv.Handle(context.Background(), MethodAdd, &Request{ClusterID: "A", StoreID: "x", Value: "v"})
	require.Error(t, err)
	assert.True(t, apperrors.IsUnreachable(apperrors.FromGRPC(err)))
}

func TestCodec_RoundTrip(t *testing.T) {
	ts := model.NewTimestamps()
	ts.Set("A", "x", 3)
	in := &Request{
		ClusterID:  "A",
		StoreID:    "x",
		Timestamps: ts,
		Elements: []*model.Element{{
			Value:   "v",
			ID:      "id",
			Added:   model.Coordinate{T: 1, ClusterID: "A", StoreID: "x"},
			Removed: &model.Coordinate{T: 3, ClusterID: "A", StoreID: "x"},
		}},
	}

	codec := jsonCodec{}
	data, err := codec.Marshal(in)
	require.NoError(t, err)
	out := new(Request)
	require.NoError(t, codec.Unmarshal(data, out))

	assert.True(t, ts.Equal(out.Timestamps))
	require.Len(t, out.Elements, 1)
	assert.Equal(t, in.Elements[0].Removed, out.Elements[0].Removed)
	assert.True(t, out.Elements[0].ExpiresAt.IsZero())
}
