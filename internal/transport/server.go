package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
)

type handleKey struct {
	clusterID   string
	storeID     string
	checkOnline bool
}

// Server exposes the shard at address over gRPC. Handles are opened lazily
// for every (cluster, store, check-online) combination seen in requests.
type Server struct {
	address string
	open    store.Factory
	logger  *zap.Logger

	mu      sync.Mutex
	handles map[handleKey]store.Store
}

// NewServer creates a server for the shard at address
func NewServer(address string, open store.Factory, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		address: address,
		open:    open,
		logger:  logger,
		handles: make(map[handleKey]store.Store),
	}
}

func (s *Server) handle(req *Request) (store.Store, error) {
	key := handleKey{clusterID: req.ClusterID, storeID: req.StoreID, checkOnline: req.CheckOnline}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[key]; ok {
		return h, nil
	}
	h, err := s.open(store.Identity{ClusterID: req.ClusterID, StoreID: req.StoreID, Address: s.address})
	if err != nil {
		return nil, err
	}
	h.SetCheckIfOnline(req.CheckOnline)
	s.handles[key] = h
	return h, nil
}

// Handle dispatches one request to the shard
func (s *Server) Handle(ctx context.Context, method string, req *Request) (*Response, error) {
	h, err := s.handle(req)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &Response{}
	switch method {
	case MethodGetTopology:
		var topo *model.Topology
		if topo, err = h.GetTopology(ctx); err == nil {
			resp.Topology = topo.Entries()
		}
	case MethodAdd:
		err = h.Add(ctx, req.Value)
	case MethodRemove:
		err = h.Remove(ctx, req.Value)
	case MethodLookup:
		resp.Found, err = h.Lookup(ctx, req.Value)
	case MethodGetTimestamps:
		resp.Timestamps, err = h.GetTimestamps(ctx)
	case MethodUpdateMaxTimestamps:
		if req.Timestamps == nil {
			req.Timestamps = model.NewTimestamps()
		}
		err = h.UpdateMaxTimestamps(ctx, req.Timestamps)
	case MethodGetUpdates:
		resp.Elements, err = h.GetUpdates(ctx, req.Timestamps)
	case MethodAddUpdates:
		err = h.AddUpdates(ctx, req.Elements)
	case MethodClear:
		err = h.Clear(ctx)
	case MethodSetOnline:
		err = h.SetOnline(ctx, req.Online)
	default:
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// Close closes every handle opened by the server
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for key, h := range s.handles {
		errs = multierr.Append(errs, h.Close())
		delete(s.handles, key)
	}
	return errs
}

func toStatus(err error) error {
	if apperrors.IsStoreError(err) {
		return apperrors.NewStoreError(apperrors.GetCode(err), err.Error(), nil).ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// LoggingInterceptor logs every call at debug level and failures at warn
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
		}
		if r, ok := req.(*Request); ok && r.ClusterID != "" {
			fields = append(fields, zap.String("store", r.ClusterID+model.Delimiter+r.StoreID))
		}
		if err != nil {
			logger.Warn("Store call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("Store call", fields...)
		}
		return resp, err
	}
}
