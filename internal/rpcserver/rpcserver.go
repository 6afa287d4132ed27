// Package rpcserver adapts a *cluster.Coordinator to the
// bobgrpc.BobServer interface, translating wire request/response
// shapes to and from the coordinator's native types and mapping
// bobmisc sentinel errors to gRPC status codes per spec.md §7.
package rpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"

	"github.com/jpl-au/bob/internal/bobgrpc"
	"github.com/jpl-au/bob/internal/bobmisc"
	"github.com/jpl-au/bob/internal/cluster"
	"github.com/jpl-au/bob/internal/holder"
	"github.com/jpl-au/bob/internal/record"
)

// Server is the gRPC front door every node runs, delegating all real
// work to a replication coordinator.
type Server struct {
	coord    *cluster.Coordinator
	nodeName string
}

// New wraps coord as a bobgrpc.BobServer identifying itself as
// nodeName on Ping.
func New(coord *cluster.Coordinator, nodeName string) *Server {
	return &Server{coord: coord, nodeName: nodeName}
}

func codeForErr(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, bobmisc.ErrKeyNotFound):
		return codes.NotFound
	case errors.Is(err, bobmisc.ErrDuplicateKey):
		return codes.AlreadyExists
	case errors.Is(err, bobmisc.ErrVDiskNotReady), errors.Is(err, bobmisc.ErrDiskControllerUnavailable):
		return codes.Unavailable
	case errors.Is(err, bobmisc.ErrTimeout):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func (s *Server) Put(ctx context.Context, req *bobgrpc.PutRequest) (*bobgrpc.PutResponse, error) {
	var err error
	if req.IsAlien {
		err = s.coord.PutAlien(ctx, record.Key(req.Key), record.Meta{Timestamp: req.Timestamp}, req.Payload, req.RemoteNodeName)
	} else {
		err = s.coord.Put(ctx, record.Key(req.Key), record.Meta{Timestamp: req.Timestamp}, req.Payload)
	}
	if err != nil {
		return nil, bobgrpc.ErrorForStatus(codeForErr(err), err)
	}
	return &bobgrpc.PutResponse{}, nil
}

func (s *Server) Get(ctx context.Context, req *bobgrpc.GetRequest) (*bobgrpc.GetResponse, error) {
	var res holder.ReadResult
	var err error
	if req.IsAlien {
		res, err = s.coord.GetAlien(ctx, record.Key(req.Key), req.RemoteNodeName)
	} else {
		res, err = s.coord.Get(ctx, record.Key(req.Key), cluster.Options{})
	}
	if err != nil {
		if errors.Is(err, bobmisc.ErrKeyNotFound) {
			return &bobgrpc.GetResponse{Found: false}, nil
		}
		return nil, bobgrpc.ErrorForStatus(codeForErr(err), err)
	}
	resp := &bobgrpc.GetResponse{Timestamp: res.Timestamp}
	switch res.Outcome {
	case holder.ReadDeleted:
		resp.Found = true
		resp.Deleted = true
	case holder.ReadFound:
		resp.Found = true
		if res.Record != nil {
			resp.Payload = res.Record.Payload
		}
	}
	return resp, nil
}

func (s *Server) Exist(ctx context.Context, req *bobgrpc.ExistRequest) (*bobgrpc.ExistResponse, error) {
	keys := make([]record.Key, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = record.Key(k)
	}
	results, err := s.coord.Exist(ctx, keys)
	if err != nil {
		return nil, bobgrpc.ErrorForStatus(codeForErr(err), err)
	}
	return &bobgrpc.ExistResponse{Exists: results}, nil
}

func (s *Server) Delete(ctx context.Context, req *bobgrpc.DeleteRequest) (*bobgrpc.DeleteResponse, error) {
	var err error
	if req.IsAlien {
		err = s.coord.DeleteAlien(ctx, record.Key(req.Key), record.Meta{Timestamp: req.Timestamp}, req.Force, req.RemoteNodeName)
	} else {
		err = s.coord.Delete(ctx, record.Key(req.Key), record.Meta{Timestamp: req.Timestamp}, req.Force)
	}
	if err != nil {
		return nil, bobgrpc.ErrorForStatus(codeForErr(err), err)
	}
	return &bobgrpc.DeleteResponse{}, nil
}

func (s *Server) Ping(ctx context.Context, req *bobgrpc.PingRequest) (*bobgrpc.PingResponse, error) {
	return &bobgrpc.PingResponse{NodeName: s.nodeName}, nil
}
