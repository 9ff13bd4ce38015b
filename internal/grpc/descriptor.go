package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the dispatch service
const ServiceName = "retrocord.gateway.v1.DispatchService"

// DispatchService is implemented by DispatchServer. Requests are free-form structs so REST
// collaborators can pass arbitrary event payloads through.
type DispatchService interface {
	DispatchToUser(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error)
	DispatchToGuild(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error)
	DispatchToChannel(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error)
	DispatchToPrivateChannel(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error)
	Broadcast(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error)
	GetPresence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	InvalidateGuild(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error)
}

// DispatchServiceDesc describes DispatchService for grpc.Server.RegisterService
var DispatchServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatchService)(nil),
	Methods: []grpc.MethodDesc{
		unary("DispatchToUser", DispatchService.DispatchToUser),
		unary("DispatchToGuild", DispatchService.DispatchToGuild),
		unary("DispatchToChannel", DispatchService.DispatchToChannel),
		unary("DispatchToPrivateChannel", DispatchService.DispatchToPrivateChannel),
		unary("Broadcast", DispatchService.Broadcast),
		unary("GetPresence", DispatchService.GetPresence),
		unary("InvalidateGuild", DispatchService.InvalidateGuild),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "retrocord/gateway/v1/dispatch.proto",
}

// RegisterDispatchServiceServer registers srv on s
func RegisterDispatchServiceServer(s grpc.ServiceRegistrar, srv DispatchService) {
	s.RegisterService(&DispatchServiceDesc, srv)
}

func unary[Resp proto.Message](name string, call func(DispatchService, context.Context, *structpb.Struct) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DispatchService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DispatchService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// DispatchClient calls a remote DispatchService
type DispatchClient struct {
	cc grpc.ClientConnInterface
}

// NewDispatchClient wraps a client connection
func NewDispatchClient(cc grpc.ClientConnInterface) *DispatchClient {
	return &DispatchClient{cc: cc}
}

func (c *DispatchClient) invoke(ctx context.Context, method string, req map[string]any, out proto.Message) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

func (c *DispatchClient) count(ctx context.Context, method string, req map[string]any) (int32, error) {
	out := new(wrapperspb.Int32Value)
	if err := c.invoke(ctx, method, req, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// DispatchToUser sends an event to every session of a user
func (c *DispatchClient) DispatchToUser(ctx context.Context, userID, eventType string, payload map[string]any) (int32, error) {
	return c.count(ctx, "DispatchToUser", map[string]any{
		"user_id":    userID,
		"event_type": eventType,
		"payload":    payload,
	})
}

// DispatchToGuild sends an event to every member of a guild
func (c *DispatchClient) DispatchToGuild(ctx context.Context, guildID, eventType string, payload map[string]any) (int32, error) {
	return c.count(ctx, "DispatchToGuild", map[string]any{
		"guild_id":   guildID,
		"event_type": eventType,
		"payload":    payload,
	})
}

// DispatchToChannel sends an event to the guild members able to read a channel
func (c *DispatchClient) DispatchToChannel(ctx context.Context, guildID, channelID, eventType string, payload map[string]any) (int32, error) {
	return c.count(ctx, "DispatchToChannel", map[string]any{
		"guild_id":   guildID,
		"channel_id": channelID,
		"event_type": eventType,
		"payload":    payload,
	})
}

// DispatchToPrivateChannel sends an event to the recipients of a DM or group DM
func (c *DispatchClient) DispatchToPrivateChannel(ctx context.Context, channelID, eventType string, payload map[string]any) (int32, error) {
	return c.count(ctx, "DispatchToPrivateChannel", map[string]any{
		"channel_id": channelID,
		"event_type": eventType,
		"payload":    payload,
	})
}

// Broadcast sends an event to every session on the instance
func (c *DispatchClient) Broadcast(ctx context.Context, eventType string, payload map[string]any) (int32, error) {
	return c.count(ctx, "Broadcast", map[string]any{
		"event_type": eventType,
		"payload":    payload,
	})
}

// GetPresence returns a user's visible presence as a struct
func (c *DispatchClient) GetPresence(ctx context.Context, userID string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetPresence", map[string]any{"user_id": userID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// InvalidateGuild drops a cached guild snapshot
func (c *DispatchClient) InvalidateGuild(ctx context.Context, guildID string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.invoke(ctx, "InvalidateGuild", map[string]any{"guild_id": guildID}, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}
