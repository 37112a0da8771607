package raft

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"sync"

	"github.com/rsmlabs/raftlock/internal/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// RPCHandler handles the inbound RPCs of a replica. Implementations
// marshal each request onto the replica's apply goroutine and hand the
// response back for transport.
type RPCHandler interface {
	// HandlePing handles a heartbeat from the leader.
	HandlePing(request *PingRequest) (*PingResponse, error)

	// HandleSync handles a log replication request from the leader.
	HandleSync(request *SyncRequest) (*SyncResponse, error)

	// HandlePoll handles a vote solicitation from a candidate.
	HandlePoll(request *PollRequest) (*PollResponse, error)

	// HandleSubmit handles a command submission from a client.
	HandleSubmit(request *SubmitRequest) (*SubmitResponse, error)
}

// Transport is the network boundary of a replica. The wire encoding is
// transport-chosen but must be self-describing.
type Transport interface {
	// RegisterHandler registers the handler inbound RPCs are routed to.
	RegisterHandler(handler RPCHandler)

	// UnregisterHandler removes the registered handler. Subsequent RPCs
	// fail with a terminal error.
	UnregisterHandler()

	// Run starts serving inbound RPCs.
	Run() error

	// Shutdown stops serving and closes all connections.
	Shutdown() error

	// Connect establishes a connection to the provided address.
	Connect(address string) error

	// Close closes the connection to the provided address.
	Close(address string) error

	// SendPing sends a heartbeat to the provided address.
	SendPing(address string, request *PingRequest) (*PingResponse, error)

	// SendSync sends a replication request to the provided address.
	SendSync(address string, request *SyncRequest) (*SyncResponse, error)

	// SendPoll sends a vote solicitation to the provided address.
	SendPoll(address string, request *PollRequest) (*PollResponse, error)

	// SendSubmit sends a command submission to the provided address.
	SendSubmit(address string, request *SubmitRequest) (*SubmitResponse, error)

	// Address returns the local address of the transport.
	Address() string
}

var errNoHandlerRegistered = errors.New("no RPC handler is registered")

// gobCodec is a self-describing gRPC codec. Both ends of the transport
// exchange the concrete request and response types of this package, so gob's
// stream encoding carries everything needed to decode them.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string {
	return "gob"
}

func init() {
	encoding.RegisterCodec(gobCodec{})
}

const (
	transportServiceName = "raftlock.Transport"

	pingMethod   = "/raftlock.Transport/Ping"
	syncMethod   = "/raftlock.Transport/Sync"
	pollMethod   = "/raftlock.Transport/Poll"
	submitMethod = "/raftlock.Transport/Submit"
)

// transportServer is the server-side contract of the transport service.
type transportServer interface {
	ping(ctx context.Context, request *PingRequest) (*PingResponse, error)
	sync(ctx context.Context, request *SyncRequest) (*SyncResponse, error)
	poll(ctx context.Context, request *PollRequest) (*PollResponse, error)
	submit(ctx context.Context, request *SubmitRequest) (*SubmitResponse, error)
}

func pingServiceHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	request := new(PingRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).ping(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, request interface{}) (interface{}, error) {
		return srv.(transportServer).ping(ctx, request.(*PingRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func syncServiceHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	request := new(SyncRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).sync(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: syncMethod}
	handler := func(ctx context.Context, request interface{}) (interface{}, error) {
		return srv.(transportServer).sync(ctx, request.(*SyncRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func pollServiceHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	request := new(PollRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).poll(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pollMethod}
	handler := func(ctx context.Context, request interface{}) (interface{}, error) {
		return srv.(transportServer).poll(ctx, request.(*PollRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func submitServiceHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	request := new(SubmitRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).submit(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	handler := func(ctx context.Context, request interface{}) (interface{}, error) {
		return srv.(transportServer).submit(ctx, request.(*SubmitRequest))
	}
	return interceptor(ctx, request, info, handler)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: transportServiceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingServiceHandler},
		{MethodName: "Sync", Handler: syncServiceHandler},
		{MethodName: "Poll", Handler: pollServiceHandler},
		{MethodName: "Submit", Handler: submitServiceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftlock",
}

// grpcTransport implements Transport over gRPC using the gob codec.
type grpcTransport struct {
	address string

	mu       sync.Mutex
	handler  RPCHandler
	server   *grpc.Server
	listener net.Listener
	conns    map[string]*grpc.ClientConn
}

// NewTransport creates a gRPC transport that serves on the provided
// address.
func NewTransport(address string) (Transport, error) {
	if address == "" {
		return nil, errors.New("transport address must not be empty")
	}
	return &grpcTransport{address: address, conns: make(map[string]*grpc.ClientConn)}, nil
}

func (t *grpcTransport) RegisterHandler(handler RPCHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *grpcTransport) UnregisterHandler() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = nil
}

func (t *grpcTransport) Run() error {
	listener, err := net.Listen("tcp", t.address)
	if err != nil {
		return errors.WrapError(err, "failed to listen on %s", t.address)
	}

	t.mu.Lock()
	t.listener = listener
	t.server = grpc.NewServer()
	t.server.RegisterService(&transportServiceDesc, t)
	server := t.server
	t.mu.Unlock()

	go func() {
		// Serve returns on Shutdown.
		_ = server.Serve(listener)
	}()

	return nil
}

func (t *grpcTransport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		t.server.Stop()
		t.server = nil
	}
	for address, conn := range t.conns {
		if err := conn.Close(); err != nil {
			return errors.WrapError(err, "failed to close connection to %s", address)
		}
		delete(t.conns, address)
	}

	return nil
}

func (t *grpcTransport) Connect(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[address]; ok {
		return nil
	}
	conn, err := grpc.Dial(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("gob")),
	)
	if err != nil {
		return errors.WrapError(err, "failed to connect to %s", address)
	}
	t.conns[address] = conn

	return nil
}

func (t *grpcTransport) Close(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ok := t.conns[address]
	if !ok {
		return nil
	}
	delete(t.conns, address)
	if err := conn.Close(); err != nil {
		return errors.WrapError(err, "failed to close connection to %s", address)
	}

	return nil
}

func (t *grpcTransport) conn(address string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	conn, ok := t.conns[address]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}
	if err := t.Connect(address); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[address], nil
}

func (t *grpcTransport) SendPing(address string, request *PingRequest) (*PingResponse, error) {
	conn, err := t.conn(address)
	if err != nil {
		return nil, err
	}
	response := new(PingResponse)
	if err := conn.Invoke(context.Background(), pingMethod, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (t *grpcTransport) SendSync(address string, request *SyncRequest) (*SyncResponse, error) {
	conn, err := t.conn(address)
	if err != nil {
		return nil, err
	}
	response := new(SyncResponse)
	if err := conn.Invoke(context.Background(), syncMethod, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (t *grpcTransport) SendPoll(address string, request *PollRequest) (*PollResponse, error) {
	conn, err := t.conn(address)
	if err != nil {
		return nil, err
	}
	response := new(PollResponse)
	if err := conn.Invoke(context.Background(), pollMethod, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (t *grpcTransport) SendSubmit(address string, request *SubmitRequest) (*SubmitResponse, error) {
	conn, err := t.conn(address)
	if err != nil {
		return nil, err
	}
	response := new(SubmitResponse)
	if err := conn.Invoke(context.Background(), submitMethod, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (t *grpcTransport) Address() string {
	return t.address
}

func (t *grpcTransport) registered() (RPCHandler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return nil, errNoHandlerRegistered
	}
	return t.handler, nil
}

func (t *grpcTransport) ping(_ context.Context, request *PingRequest) (*PingResponse, error) {
	handler, err := t.registered()
	if err != nil {
		return nil, err
	}
	return handler.HandlePing(request)
}

func (t *grpcTransport) sync(_ context.Context, request *SyncRequest) (*SyncResponse, error) {
	handler, err := t.registered()
	if err != nil {
		return nil, err
	}
	return handler.HandleSync(request)
}

func (t *grpcTransport) poll(_ context.Context, request *PollRequest) (*PollResponse, error) {
	handler, err := t.registered()
	if err != nil {
		return nil, err
	}
	return handler.HandlePoll(request)
}

func (t *grpcTransport) submit(_ context.Context, request *SubmitRequest) (*SubmitResponse, error) {
	handler, err := t.registered()
	if err != nil {
		return nil, err
	}
	return handler.HandleSubmit(request)
}

// localNetwork routes loopback transports by address within the process.
var localNetwork = struct {
	mu       sync.Mutex
	handlers map[string]*localTransport
}{handlers: make(map[string]*localTransport)}

// localTransport is an in-process Transport for single-process clusters
// and tests.
type localTransport struct {
	address string

	mu      sync.Mutex
	handler RPCHandler
	running bool
}

// NewLocalTransport creates an in-process transport registered under the
// provided address.
func NewLocalTransport(address string) Transport {
	return &localTransport{address: address}
}

func (t *localTransport) RegisterHandler(handler RPCHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *localTransport) UnregisterHandler() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = nil
}

func (t *localTransport) Run() error {
	localNetwork.mu.Lock()
	defer localNetwork.mu.Unlock()
	localNetwork.handlers[t.address] = t
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	return nil
}

func (t *localTransport) Shutdown() error {
	localNetwork.mu.Lock()
	defer localNetwork.mu.Unlock()
	delete(localNetwork.handlers, t.address)
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	return nil
}

func (t *localTransport) Connect(address string) error {
	return nil
}

func (t *localTransport) Close(address string) error {
	return nil
}

func (t *localTransport) Address() string {
	return t.address
}

func (t *localTransport) lookup(address string) (RPCHandler, error) {
	localNetwork.mu.Lock()
	peer, ok := localNetwork.handlers[address]
	localNetwork.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no transport is serving at %s", address)
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.handler == nil {
		return nil, errNoHandlerRegistered
	}
	return peer.handler, nil
}

func (t *localTransport) SendPing(address string, request *PingRequest) (*PingResponse, error) {
	handler, err := t.lookup(address)
	if err != nil {
		return nil, err
	}
	return handler.HandlePing(request)
}

func (t *localTransport) SendSync(address string, request *SyncRequest) (*SyncResponse, error) {
	handler, err := t.lookup(address)
	if err != nil {
		return nil, err
	}
	return handler.HandleSync(request)
}

func (t *localTransport) SendPoll(address string, request *PollRequest) (*PollResponse, error) {
	handler, err := t.lookup(address)
	if err != nil {
		return nil, err
	}
	return handler.HandlePoll(request)
}

func (t *localTransport) SendSubmit(address string, request *SubmitRequest) (*SubmitResponse, error) {
	handler, err := t.lookup(address)
	if err != nil {
		return nil, err
	}
	return handler.HandleSubmit(request)
}
