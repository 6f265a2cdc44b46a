// Package rpcsurface is the daemon's front door: the local IPC
// transport clients submit operations over and subscribe to progress
// events from. It serves gRPC without a generated protobuf package:
// one hand-registered service with a unary Dispatch method carrying
// an {op, payload} envelope and a server-streamed Subscribe method,
// all messages encoded by a JSON codec.
//
// Two listeners are served. The Unix socket under the daemon's run
// directory is the primary, full-access transport. An optional TCP
// listener, guarded by TLS from pkg/security, exposes read-only
// operations (status, list, logs, subscribe) to remote clients.
package rpcsurface

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/chefpack/chefd/pkg/events"
	"github.com/chefpack/chefd/pkg/log"
	"github.com/chefpack/chefd/pkg/scheduler"
	"github.com/chefpack/chefd/pkg/security"
	"github.com/chefpack/chefd/pkg/txn"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const (
	serviceName        = "chefd.v1.Transactions"
	fullMethodDispatch = "/" + serviceName + "/Dispatch"
)

// Core is the engine surface the RPC layer dispatches into; satisfied
// by *scheduler.Scheduler.
type Core interface {
	Submit(t txn.Type, ref txn.PackRef, description string) (uint64, error)
	Cancel(id uint64) error
	Status(id uint64) (*txn.Record, error)
	List() []*txn.Record
	Logs(id uint64) ([]txn.LogEntry, error)
}

// Server serves the transaction API over the daemon's IPC socket and
// an optional TLS TCP listener.
type Server struct {
	core   Core
	broker *events.Broker
	logger zerolog.Logger

	local  *grpc.Server
	remote *grpc.Server
}

// NewServer creates the RPC surface over core.
func NewServer(core Core, broker *events.Broker) *Server {
	return &Server{
		core:   core,
		broker: broker,
		logger: log.WithComponent("rpc"),
	}
}

// SocketPath returns the daemon's IPC socket path under root:
// <root>/run/chef/chefd.sock.
func SocketPath(root string) string {
	return filepath.Join(root, "run", "chef", "chefd.sock")
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: dispatchHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "chefd/v1",
}

// StartLocal begins serving the full-access API on the Unix socket.
func (s *Server) StartLocal(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	// A socket left behind by a crashed daemon blocks the bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}

	s.local = grpc.NewServer()
	s.local.RegisterService(&serviceDesc, s)

	s.logger.Info().Str("socket", socketPath).Msg("IPC listener started")
	return s.local.Serve(lis)
}

// StartRemote begins serving the read-only API over TLS on addr.
func (s *Server) StartRemote(addr string, ca *security.CertAuthority) error {
	serverCert, err := ca.IssueServerCertificate([]string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		return fmt.Errorf("issuing server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*serverCert},
		MinVersion:   tls.VersionTLS13,
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.remote = grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.UnaryInterceptor(ReadOnlyInterceptor()),
	)
	s.remote.RegisterService(&serviceDesc, s)

	s.logger.Info().Str("addr", addr).Msg("Read-only TLS listener started")
	return s.remote.Serve(lis)
}

// Stop gracefully stops both listeners.
func (s *Server) Stop() {
	if s.local != nil {
		s.local.GracefulStop()
	}
	if s.remote != nil {
		s.remote.GracefulStop()
	}
}

func dispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DispatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(*Server)
	if interceptor == nil {
		return server.dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodDispatch}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return server.dispatch(ctx, req.(*DispatchRequest))
	})
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).subscribe(in, stream)
}

// dispatch routes one enveloped operation.
func (s *Server) dispatch(_ context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	switch req.Op {
	case OpInstall:
		return s.submit(txn.TypeInstall, req.Payload)
	case OpUninstall:
		return s.submit(txn.TypeUninstall, req.Payload)
	case OpUpdate:
		return s.submit(txn.TypeUpdate, req.Payload)
	case OpCancel:
		return s.cancel(req.Payload)
	case OpStatus:
		return s.status(req.Payload)
	case OpList:
		return s.list()
	case OpLogs:
		return s.logs(req.Payload)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown operation %q", req.Op)
	}
}

func (s *Server) submit(t txn.Type, payload json.RawMessage) (*DispatchResponse, error) {
	var p SubmitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	ref := txn.PackRef{Publisher: p.Publisher, Package: p.Package, Revision: p.Revision}

	id, err := s.core.Submit(t, ref, p.Description)
	if err != nil {
		if errors.Is(err, scheduler.ErrConflict) {
			return nil, status.Error(codes.AlreadyExists, err.Error())
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return result(SubmitResult{TransactionID: id})
}

func (s *Server) cancel(payload json.RawMessage) (*DispatchResponse, error) {
	var p CancelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}

	outcome := "ok"
	switch err := s.core.Cancel(p.TransactionID); {
	case errors.Is(err, scheduler.ErrNotFound):
		outcome = "not-found"
	case errors.Is(err, scheduler.ErrAlreadyTerminal):
		outcome = "already-terminal"
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	return result(CancelResult{Outcome: outcome})
}

func (s *Server) status(payload json.RawMessage) (*DispatchResponse, error) {
	var p StatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	rec, err := s.core.Status(p.TransactionID)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "transaction %d not found", p.TransactionID)
	}
	return result(StatusResult{Transaction: summarize(rec)})
}

func (s *Server) list() (*DispatchResponse, error) {
	records := s.core.List()
	out := ListResult{Transactions: make([]TransactionSummary, len(records))}
	for i, rec := range records {
		out.Transactions[i] = summarize(rec)
	}
	return result(out)
}

func (s *Server) logs(payload json.RawMessage) (*DispatchResponse, error) {
	var p LogsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	entries, err := s.core.Logs(p.TransactionID)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "transaction %d not found", p.TransactionID)
	}
	out := LogsResult{Entries: make([]LogEntry, len(entries))}
	for i, e := range entries {
		out.Entries[i] = toWireLog(e)
	}
	return result(out)
}

func result(v any) (*DispatchResponse, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding result: %v", err)
	}
	return &DispatchResponse{Result: data}, nil
}

// subscribe streams broker events to one client until it disconnects.
func (s *Server) subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if req.TransactionID != 0 && ev.TransactionID != req.TransactionID {
				continue
			}
			if err := stream.SendMsg(toStreamEvent(ev)); err != nil {
				return err
			}
		}
	}
}

func toStreamEvent(ev *events.Event) *StreamEvent {
	out := &StreamEvent{
		Type:          string(ev.Type),
		TransactionID: ev.TransactionID,
		State:         ev.State.String(),
		StateTag:      int(ev.State),
		Progress: ProgressInfo{
			BytesCurrent:           ev.Progress.BytesCurrent,
			BytesTotal:             ev.Progress.BytesTotal,
			LastReportedPercentage: ev.Progress.LastReportedPercentage,
		},
		FailureReason: ev.FailureReason,
		Timestamp:     timestamppb.New(ev.Timestamp),
	}
	if ev.Log != nil {
		wire := toWireLog(*ev.Log)
		out.Log = &wire
	}
	return out
}
