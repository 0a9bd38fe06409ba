// Package worker implements the supervision tree and localhost control
// plane between the app worker and its peer worker processes (OpenPGP
// worker, recovery worker, SMTP bridge worker): spawning, health
// checks, and lifecycle commands (start/stop/ping/drop_caches), over
// google.golang.org/grpc. The client-facing HTTP+WebSocket RPC frame in
// internal/rpcframe serves application clients; this package serves
// only the control relationship between sibling worker processes and
// never crosses the loopback interface.
package worker

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// controlServiceName is the gRPC service path peer workers register
// and dial; there is no .proto file behind it; the wire messages are
// google.golang.org/protobuf's own precompiled structpb.Struct, so
// this service needs no protoc-generated stubs, only a hand-written
// grpc.ServiceDesc built the way protoc-gen-go-grpc would emit one.
const controlServiceName = "moggie.worker.Control"

// ControlServer is implemented by anything that can answer a
// supervisor's lifecycle commands: the running worker process itself.
type ControlServer interface {
	// Dispatch executes one control command (its "op" field selects
	// ping, status, drop_caches, or shutdown) and returns a result
	// struct describing the outcome.
	Dispatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func dispatchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + controlServiceName + "/Dispatch"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Dispatch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// controlServiceDesc mirrors what protoc-gen-go-grpc would generate
// for a one-method "Control" service; it is registered directly
// against a *grpc.Server with grpc.RegisterService.
var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: dispatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/worker/control.go",
}

// RegisterControlServer registers srv to answer Control RPCs on s.
func RegisterControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// ControlClient calls a peer worker's Control service.
type ControlClient struct {
	conn *grpc.ClientConn
}

// NewControlClient wraps an established connection to a peer worker's
// control endpoint.
func NewControlClient(conn *grpc.ClientConn) *ControlClient {
	return &ControlClient{conn: conn}
}

// Dispatch sends req to the peer worker and returns its response.
func (c *ControlClient) Dispatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.conn.Invoke(ctx, "/"+controlServiceName+"/Dispatch", req, out)
	if err != nil {
		return nil, fmt.Errorf("worker: control dispatch: %w", err)
	}
	return out, nil
}

// commandStruct builds a one-field-per-argument request struct for op.
func commandStruct(op string, args map[string]any) (*structpb.Struct, error) {
	fields := map[string]any{"op": op}
	for k, v := range args {
		fields[k] = v
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("worker: building %s request: %w", op, err)
	}
	return s, nil
}

// Ping asks a peer worker to answer a liveness probe.
func (c *ControlClient) Ping(ctx context.Context) error {
	req, err := commandStruct("ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.Dispatch(ctx, req)
	if err != nil {
		return err
	}
	if ok := resp.Fields["ok"]; ok == nil || !ok.GetBoolValue() {
		return fmt.Errorf("worker: ping rejected by peer")
	}
	return nil
}

// Status requests the peer worker's current status summary.
func (c *ControlClient) Status(ctx context.Context) (*structpb.Struct, error) {
	req, err := commandStruct("status", nil)
	if err != nil {
		return nil, err
	}
	return c.Dispatch(ctx, req)
}

// DropCaches asks the peer worker to release any in-memory caches,
// per spec.md's worker control surface.
func (c *ControlClient) DropCaches(ctx context.Context) error {
	req, err := commandStruct("drop_caches", nil)
	if err != nil {
		return err
	}
	_, err = c.Dispatch(ctx, req)
	return err
}

// Shutdown asks the peer worker to terminate cleanly.
func (c *ControlClient) Shutdown(ctx context.Context) error {
	req, err := commandStruct("shutdown", nil)
	if err != nil {
		return err
	}
	_, err = c.Dispatch(ctx, req)
	return err
}
