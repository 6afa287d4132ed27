package rpcserver

import (
	"context"
	"testing"

	"google.golang.org/grpc/status"

	"github.com/rs/zerolog"

	"github.com/jpl-au/bob/internal/backend"
	"github.com/jpl-au/bob/internal/bobgrpc"
	"github.com/jpl-au/bob/internal/cluster"
	"github.com/jpl-au/bob/internal/mapper"
	"github.com/jpl-au/bob/internal/nodeclient"
)

func singleNodeServer(t *testing.T) *Server {
	t.Helper()
	m := mapper.New(
		[]mapper.VDisk{{ID: 0, Replicas: []mapper.Replica{{Node: "n0", Disk: "d0", Path: "/data"}}}},
		"n0",
		[]string{"n0"},
	)
	coord := cluster.New("n0", 1, m, nodeclient.NewPool(), backend.NewInMemory(), zerolog.Nop())
	return New(coord, "n0")
}

func TestPutGetRoundTrip(t *testing.T) {
	s := singleNodeServer(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, &bobgrpc.PutRequest{Key: []byte{1, 2, 3, 4}, Timestamp: 100, Payload: []byte("hi")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp, err := s.Get(ctx, &bobgrpc.GetRequest{Key: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !resp.Found || resp.Deleted || string(resp.Payload) != "hi" {
		t.Errorf("Get() = %+v, want found payload=hi", resp)
	}
}

func TestGetMissingKeyReturnsNotFoundWithoutError(t *testing.T) {
	s := singleNodeServer(t)
	resp, err := s.Get(context.Background(), &bobgrpc.GetRequest{Key: []byte{9, 9, 9, 9}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Found {
		t.Errorf("Get() = %+v, want Found=false", resp)
	}
}

func TestDeleteThenGetReportsDeleted(t *testing.T) {
	s := singleNodeServer(t)
	ctx := context.Background()
	key := []byte{5, 5, 5, 5}

	if _, err := s.Put(ctx, &bobgrpc.PutRequest{Key: key, Timestamp: 1, Payload: []byte("v")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Delete(ctx, &bobgrpc.DeleteRequest{Key: key, Timestamp: 2, Force: true}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	resp, err := s.Get(ctx, &bobgrpc.GetRequest{Key: key})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !resp.Found || !resp.Deleted {
		t.Errorf("Get() after delete = %+v, want Found=true Deleted=true", resp)
	}
}

func TestExistReportsPositionalResults(t *testing.T) {
	s := singleNodeServer(t)
	ctx := context.Background()
	present := []byte{1, 1, 1, 1}
	absent := []byte{2, 2, 2, 2}

	if _, err := s.Put(ctx, &bobgrpc.PutRequest{Key: present, Timestamp: 1, Payload: []byte("x")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp, err := s.Exist(ctx, &bobgrpc.ExistRequest{Keys: [][]byte{present, absent}})
	if err != nil {
		t.Fatalf("Exist: %v", err)
	}
	if len(resp.Exists) != 2 || !resp.Exists[0] || resp.Exists[1] {
		t.Errorf("Exist() = %v, want [true false]", resp.Exists)
	}
}

func TestPingReportsNodeName(t *testing.T) {
	s := singleNodeServer(t)
	resp, err := s.Ping(context.Background(), &bobgrpc.PingRequest{})
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if resp.NodeName != "n0" {
		t.Errorf("Ping() NodeName = %q, want n0", resp.NodeName)
	}
}

func TestErrorsTranslateToGRPCStatusCodes(t *testing.T) {
	s := singleNodeServer(t)
	_, err := s.Delete(context.Background(), &bobgrpc.DeleteRequest{Key: []byte{7, 7, 7, 7}, Timestamp: 1, Force: false})
	if err == nil {
		return
	}
	if _, ok := status.FromError(err); !ok {
		t.Errorf("expected a gRPC status error, got %v", err)
	}
}
