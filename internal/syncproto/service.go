package syncproto

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/tracker"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "posebridge.sync.v1.TrackerSync"

// Full method names.
const (
	MethodSetTrackerStateVector    = "/" + ServiceName + "/SetTrackerStateVector"
	MethodUpdateTrackerVector      = "/" + ServiceName + "/UpdateTrackerVector"
	MethodRefreshTrackerPoseVector = "/" + ServiceName + "/RefreshTrackerPoseVector"
	MethodRequestVRRestart         = "/" + ServiceName + "/RequestVRRestart"
	MethodPingDriverService        = "/" + ServiceName + "/PingDriverService"
)

// Backend is the driver side of the protocol. Each call handles one entry;
// a failed entry is reported in its reply and never stops the stream.
type Backend interface {
	SetTrackerState(StateRequest) StateReply
	UpdateTracker(PoseRequest) StateReply
	RefreshTracker(RefreshRequest) StateReply
	RequestRestart(reason string) error
}

// TrackerSyncServer is the handler type the service descriptor checks.
type TrackerSyncServer interface {
	setTrackerStateVector(grpc.ServerStream) error
	updateTrackerVector(grpc.ServerStream) error
	refreshTrackerPoseVector(grpc.ServerStream) error
	requestVRRestart(context.Context, *RestartRequest) (*StatusReply, error)
	pingDriverService(context.Context, *PingRequest) (*PingReply, error)
}

// ServiceDesc describes TrackerSync for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackerSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVRRestart", Handler: requestVRRestartHandler},
		{MethodName: "PingDriverService", Handler: pingDriverServiceHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SetTrackerStateVector",
			Handler:       func(srv any, s grpc.ServerStream) error { return srv.(TrackerSyncServer).setTrackerStateVector(s) },
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "UpdateTrackerVector",
			Handler:       func(srv any, s grpc.ServerStream) error { return srv.(TrackerSyncServer).updateTrackerVector(s) },
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "RefreshTrackerPoseVector",
			Handler:       func(srv any, s grpc.ServerStream) error { return srv.(TrackerSyncServer).refreshTrackerPoseVector(s) },
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "posebridge/sync/v1/tracker_sync.proto",
}

func requestVRRestartHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RestartRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackerSyncServer).requestVRRestart(ctx, req.(*RestartRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRequestVRRestart}
	return interceptor(ctx, in, info, call)
}

func pingDriverServiceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackerSyncServer).pingDriverService(ctx, req.(*PingRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPingDriverService}
	return interceptor(ctx, in, info, call)
}

// Server serves TrackerSync on top of a Backend.
type Server struct {
	backend Backend
	log     *zap.Logger
	now     func() int64
}

var _ TrackerSyncServer = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer returns a Server forwarding to backend.
func NewServer(backend Backend, opts ...ServerOption) *Server {
	s := &Server{backend: backend, log: monitoring.L(), now: Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// serveVector reads requests until the client closes its side, answering
// each one through handle in arrival order.
func serveVector[Req any, PReq interface {
	*Req
	Message
}](stream grpc.ServerStream, handle func(*Req) (StateReply, bool)) error {
	for {
		req := PReq(new(Req))
		if err := stream.RecvMsg(req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		reply, want := handle((*Req)(req))
		if !want {
			continue
		}
		if err := stream.SendMsg(&reply); err != nil {
			return err
		}
	}
}

func (s *Server) setTrackerStateVector(stream grpc.ServerStream) error {
	return serveVector[StateRequest](stream, func(r *StateRequest) (StateReply, bool) {
		reply := s.stamp(s.backend.SetTrackerState(*r), r.Role)
		s.logFailure("set state", reply)
		return reply, r.WantReply
	})
}

func (s *Server) updateTrackerVector(stream grpc.ServerStream) error {
	return serveVector[PoseRequest](stream, func(r *PoseRequest) (StateReply, bool) {
		reply := s.backend.UpdateTracker(*r)
		return s.stamp(reply, r.Role), r.WantReply
	})
}

func (s *Server) refreshTrackerPoseVector(stream grpc.ServerStream) error {
	return serveVector[RefreshRequest](stream, func(r *RefreshRequest) (StateReply, bool) {
		reply := s.backend.RefreshTracker(*r)
		return s.stamp(reply, r.Role), r.WantReply
	})
}

func (s *Server) requestVRRestart(_ context.Context, r *RestartRequest) (*StatusReply, error) {
	if strings.TrimSpace(r.Reason) == "" {
		return nil, status.Error(codes.InvalidArgument, "restart reason is required")
	}
	if err := s.backend.RequestRestart(r.Reason); err != nil {
		return &StatusReply{Success: false, Message: err.Error()}, nil
	}
	s.log.Info("vr restart requested", zap.String("reason", r.Reason))
	return &StatusReply{Success: true, Message: "restart requested"}, nil
}

func (s *Server) pingDriverService(_ context.Context, r *PingRequest) (*PingReply, error) {
	return &PingReply{SentAt: r.SentAt, ReceivedAt: s.now()}, nil
}

func (s *Server) stamp(reply StateReply, role tracker.Role) StateReply {
	reply.Role = role
	reply.Timestamp = s.now()
	return reply
}

func (s *Server) logFailure(op string, reply StateReply) {
	if !reply.Success {
		s.log.Warn("tracker request failed",
			zap.String("op", op),
			zap.Stringer("role", reply.Role),
			zap.String("message", reply.Message))
	}
}
