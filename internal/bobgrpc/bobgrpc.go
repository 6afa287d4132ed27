// Package bobgrpc defines the wire types and gRPC service description
// for node-to-node traffic (spec.md §6 "External interfaces", §4.9).
//
// protoc is not available in this build environment, so the service is
// wired by hand onto grpc-go's pluggable codec mechanism instead of
// protobuf-generated stubs: a gob-based grpc/encoding.Codec plus a
// hand-written grpc.ServiceDesc. The message shapes below mirror what
// a put.proto/get.proto pair would otherwise generate — see bob.proto
// in this package for the schema documented in protobuf IDL form.
//
// The request/response struct shapes and the basic-auth metadata
// convention follow the teacher's config-driven transport setup
// (config_test.go in jpl-au-folio), generalised from an embedded
// key-value store's local API to a remote procedure interface.
package bobgrpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CodecName is registered with grpc-go's encoding registry so the
// client and server agree on the wire format without a protobuf
// descriptor.
const CodecName = "bobgob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements grpc/encoding.Codec using encoding/gob. It
// requires every message type exchanged over this service to be
// gob-encodable (exported fields only, no interfaces).
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return CodecName }

// PutRequest carries one record write, possibly destined for the
// alien area (RemoteNodeName set) rather than this node's own vdisk.
type PutRequest struct {
	Key            []byte
	Timestamp      uint64
	Payload        []byte
	VDiskID        uint32
	IsAlien        bool
	RemoteNodeName string
}

// PutResponse carries no payload; success is the absence of an error.
type PutResponse struct{}

// GetRequest asks for the freshest record (or tombstone) for Key. When
// IsAlien is set, the responding node looks only in its own alien area
// for data tagged as destined for RemoteNodeName, rather than its
// normal store (spec.md §4.8 GET's alien fallback, queried against a
// support node).
type GetRequest struct {
	Key            []byte
	VDiskID        uint32
	IsAlien        bool
	RemoteNodeName string
}

// GetResponse mirrors holder.ReadResult across the wire.
type GetResponse struct {
	Found     bool
	Deleted   bool
	Timestamp uint64
	Payload   []byte
}

// ExistRequest batches a presence check for many keys against one
// vdisk in a single round trip (spec.md §4.8 EXIST fan-out).
type ExistRequest struct {
	Keys    [][]byte
	VDiskID uint32
}

// ExistResponse reports one bit per key in Keys, positionally.
type ExistResponse struct {
	Exists []bool
}

// DeleteRequest carries a tombstone write, structured identically to
// PutRequest's alien-routing fields.
type DeleteRequest struct {
	Key            []byte
	Timestamp      uint64
	VDiskID        uint32
	Force          bool
	IsAlien        bool
	RemoteNodeName string
}

// DeleteResponse carries no payload.
type DeleteResponse struct{}

// PingRequest is the empty heartbeat probe nodeclient sends on
// check_interval.
type PingRequest struct{}

// PingResponse carries the responding node's name, letting the caller
// detect a misconfigured address pointing at the wrong node.
type PingResponse struct {
	NodeName string
}

const (
	serviceName = "bob.Bob"

	basicAuthUserKey = "bob-auth-user"
	basicAuthPassKey = "bob-auth-pass"
)

// WithBasicAuth attaches the configured credentials to an outgoing
// call's metadata (spec.md §4.9: "outgoing requests carry optional
// basic credentials").
func WithBasicAuth(ctx context.Context, username, password string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, basicAuthUserKey, username, basicAuthPassKey, password)
}

// BasicAuthFromContext extracts basic-auth credentials from an
// incoming call's metadata, for server-side verification.
func BasicAuthFromContext(ctx context.Context) (username, password string, ok bool) {
	md, present := metadata.FromIncomingContext(ctx)
	if !present {
		return "", "", false
	}
	users := md.Get(basicAuthUserKey)
	passes := md.Get(basicAuthPassKey)
	if len(users) == 0 || len(passes) == 0 {
		return "", "", false
	}
	return users[0], passes[0], true
}

// BobServer is implemented by the node-side RPC handler (the
// replication coordinator's gRPC front door).
type BobServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Exist(context.Context, *ExistRequest) (*ExistResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)
}

// BobClient is implemented by the node client pool's per-node stub.
type BobClient interface {
	Put(ctx context.Context, req *PutRequest, opts ...grpc.CallOption) (*PutResponse, error)
	Get(ctx context.Context, req *GetRequest, opts ...grpc.CallOption) (*GetResponse, error)
	Exist(ctx context.Context, req *ExistRequest, opts ...grpc.CallOption) (*ExistResponse, error)
	Delete(ctx context.Context, req *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error)
	Ping(ctx context.Context, req *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)
}

type bobClient struct {
	cc grpc.ClientConnInterface
}

// NewBobClient wraps an established *grpc.ClientConn as a BobClient.
func NewBobClient(cc grpc.ClientConnInterface) BobClient {
	return &bobClient{cc: cc}
}

func (c *bobClient) Put(ctx context.Context, req *PutRequest, opts ...grpc.CallOption) (*PutResponse, error) {
	out := new(PutResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Put", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bobClient) Get(ctx context.Context, req *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Get", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bobClient) Exist(ctx context.Context, req *ExistRequest, opts ...grpc.CallOption) (*ExistResponse, error) {
	out := new(ExistResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Exist", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bobClient) Delete(ctx context.Context, req *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	out := new(DeleteResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Delete", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bobClient) Ping(ctx context.Context, req *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	out := new(PingResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Ping", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BobServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Put"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BobServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BobServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Get"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BobServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func existHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExistRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BobServer).Exist(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Exist"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BobServer).Exist(ctx, req.(*ExistRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BobServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Delete"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BobServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BobServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Ping"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BobServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-written equivalent of a protoc-generated
// _ServiceDesc, registered against a *grpc.Server in place of codegen.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BobServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: func(srv any, ctx context.Context, dec func(any) error, i grpc.UnaryServerInterceptor) (any, error) {
			return putHandler(srv, ctx, dec, i)
		}},
		{MethodName: "Get", Handler: func(srv any, ctx context.Context, dec func(any) error, i grpc.UnaryServerInterceptor) (any, error) {
			return getHandler(srv, ctx, dec, i)
		}},
		{MethodName: "Exist", Handler: func(srv any, ctx context.Context, dec func(any) error, i grpc.UnaryServerInterceptor) (any, error) {
			return existHandler(srv, ctx, dec, i)
		}},
		{MethodName: "Delete", Handler: func(srv any, ctx context.Context, dec func(any) error, i grpc.UnaryServerInterceptor) (any, error) {
			return deleteHandler(srv, ctx, dec, i)
		}},
		{MethodName: "Ping", Handler: func(srv any, ctx context.Context, dec func(any) error, i grpc.UnaryServerInterceptor) (any, error) {
			return pingHandler(srv, ctx, dec, i)
		}},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bob.proto",
}

// RegisterBobServer registers an implementation against s using
// ServiceDesc, the hand-written stand-in for protoc-generated
// registration glue.
func RegisterBobServer(s grpc.ServiceRegistrar, srv BobServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ErrorForStatus wraps err as a gRPC status error carrying code, used
// by server implementations translating internal sentinel errors to
// wire-level statuses (spec.md §7).
func ErrorForStatus(code codes.Code, err error) error {
	return status.Error(code, fmt.Sprintf("%v", err))
}
