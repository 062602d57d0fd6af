// Package rpc serves and consumes the hub sync service over gRPC.
//
// The service is declared by hand rather than generated from protobuf:
// requests and responses are small wrappers over the sync package's own
// types, encoded in protobuf wire format by the codec in codec.go. A server exposes any sync.Peer (in practice the hub's sync.Local);
// a Client implements sync.Peer against a remote hub.
package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/teranos/hub/message"
	hubsync "github.com/teranos/hub/sync"
	"github.com/teranos/hub/syncid"
)

const serviceName = "hub.sync.v1.HubSync"

// Full method names
const (
	methodGetInfo                 = "/" + serviceName + "/GetInfo"
	methodGetSnapshotByPrefix     = "/" + serviceName + "/GetSnapshotByPrefix"
	methodGetNodeMetadataByPrefix = "/" + serviceName + "/GetNodeMetadataByPrefix"
	methodGetAllIdsByPrefix       = "/" + serviceName + "/GetAllIdsByPrefix"
	methodGetMessagesByIds        = "/" + serviceName + "/GetMessagesByIds"
	methodGetSignerMessagesByFid  = "/" + serviceName + "/GetSignerMessagesByFid"
)

type infoRequest struct{}

type prefixRequest struct {
	Prefix []byte
}

type idsRequest struct {
	Ids []syncid.ID
}

type idsResponse struct {
	Ids []syncid.ID
}

type fidRequest struct {
	Fid uint64
}

type messagesResponse struct {
	Messages []*message.Message
}

// unary builds a grpc.MethodHandler that decodes Req and calls fn on the
// registered peer, going through the server interceptor chain.
func unary[Req any](method string, fn func(ctx context.Context, p hubsync.Peer, req *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		p := srv.(hubsync.Peer)
		if interceptor == nil {
			return fn(ctx, p, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
			return fn(ctx, p, r.(*Req))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*hubsync.Peer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetInfo",
			Handler: unary(methodGetInfo, func(ctx context.Context, p hubsync.Peer, _ *infoRequest) (any, error) {
				info, err := p.GetInfo(ctx)
				if err != nil {
					return nil, err
				}
				return &infoResponse{Info: *info}, nil
			}),
		},
		{
			MethodName: "GetSnapshotByPrefix",
			Handler: unary(methodGetSnapshotByPrefix, func(ctx context.Context, p hubsync.Peer, req *prefixRequest) (any, error) {
				snap, err := p.GetSnapshotByPrefix(ctx, req.Prefix)
				if err != nil {
					return nil, err
				}
				return &snapshotResponse{Snapshot: *snap}, nil
			}),
		},
		{
			MethodName: "GetNodeMetadataByPrefix",
			Handler: unary(methodGetNodeMetadataByPrefix, func(ctx context.Context, p hubsync.Peer, req *prefixRequest) (any, error) {
				md, err := p.GetNodeMetadataByPrefix(ctx, req.Prefix)
				if err != nil {
					return nil, err
				}
				return &metadataResponse{Node: *md}, nil
			}),
		},
		{
			MethodName: "GetAllIdsByPrefix",
			Handler: unary(methodGetAllIdsByPrefix, func(ctx context.Context, p hubsync.Peer, req *prefixRequest) (any, error) {
				ids, err := p.GetAllIdsByPrefix(ctx, req.Prefix)
				if err != nil {
					return nil, err
				}
				return &idsResponse{Ids: ids}, nil
			}),
		},
		{
			MethodName: "GetMessagesByIds",
			Handler: unary(methodGetMessagesByIds, func(ctx context.Context, p hubsync.Peer, req *idsRequest) (any, error) {
				msgs, err := p.GetMessagesByIds(ctx, req.Ids)
				if err != nil {
					return nil, err
				}
				return &messagesResponse{Messages: msgs}, nil
			}),
		},
		{
			MethodName: "GetSignerMessagesByFid",
			Handler: unary(methodGetSignerMessagesByFid, func(ctx context.Context, p hubsync.Peer, req *fidRequest) (any, error) {
				msgs, err := p.GetSignerMessagesByFid(ctx, req.Fid)
				if err != nil {
					return nil, err
				}
				return &messagesResponse{Messages: msgs}, nil
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hub/sync.go",
}
