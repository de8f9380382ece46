// Package admin — admin.go
//
// Unix domain socket server for the Myco admin surface (spec.md §6).
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: ${STATE_DIR}/admin.sock (configurable).
// Permissions: 0600.
//
// Commands (JSON request -> JSON response):
//
//   {"cmd":"status"}
//     -> Response: {"ok":true,"node_id":"...","peers":[...],"services":[...],"wal_pos":1234,"counters":{...}}
//
//   {"cmd":"deploy","name":"redis","flake_uri":"github:example/redis","exec_name":"redis-server"}
//     -> Response: {"ok":true,"accepted":true}
//     -> or: {"ok":true,"accepted":false,"reason":"..."}
//
//   {"cmd":"peer_add","alias":"node-b","address":"10.0.0.2:7777","pubkey":"<hex>"}
//     -> Response: {"ok":true}
//
//   {"cmd":"peer_remove","alias":"node-b"}
//     -> Response: {"ok":true}
//
// Grounded on internal/operator/server.go nearly directly: socket
// lifecycle (remove stale socket, chmod 0600, bounded semaphore,
// per-connection deadline), request/response struct shape, and the
// dispatch switch -- retargeted from PID pin/reset/status/list to service
// Status/Deploy/PeerAdd/PeerRemove.
package admin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mycomesh/myco/internal/scheduler"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// ServiceSummary is the catalog view returned by Status.
type ServiceSummary struct {
	Name      string `json:"name"`
	Version   uint64 `json:"version"`
	ExecName  string `json:"exec_name,omitempty"`
	FlakeURI  string `json:"flake_uri,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
	Status    string `json:"status,omitempty"`
}

// PeerSummary is the peer book view returned by Status.
type PeerSummary struct {
	Alias   string `json:"alias"`
	Address string `json:"address"`
	PubKey  string `json:"pubkey"`
}

// Counters mirrors scheduler.Counters in a JSON-friendly shape.
type Counters struct {
	ProtocolErrors uint64 `json:"protocol_errors"`
	CryptoErrors   uint64 `json:"crypto_errors"`
	ReplayDrops    uint64 `json:"replay_drops"`
	UnknownSenders uint64 `json:"unknown_senders"`
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	GossipRounds   uint64 `json:"gossip_rounds"`
	WALFlushes     uint64 `json:"wal_flushes"`
}

// Request is the JSON structure for admin commands.
type Request struct {
	Cmd string `json:"cmd"` // status | deploy | peer_add | peer_remove

	// deploy
	Name      string `json:"name,omitempty"`
	FlakeURI  string `json:"flake_uri,omitempty"`
	ExecName  string `json:"exec_name,omitempty"`
	Version   uint64 `json:"version,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`

	// peer_add / peer_remove
	Alias   string `json:"alias,omitempty"`
	Address string `json:"address,omitempty"`
	PubKey  string `json:"pubkey,omitempty"` // hex-encoded
}

// Response is the JSON structure for admin command responses.
type Response struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	NodeID   string           `json:"node_id,omitempty"`
	Peers    []PeerSummary    `json:"peers,omitempty"`
	Services []ServiceSummary `json:"services,omitempty"`
	WALPos   int64            `json:"wal_pos,omitempty"`
	Counters *Counters        `json:"counters,omitempty"`

	Accepted bool   `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Version  uint64 `json:"version,omitempty"`
}

// StatusSource supplies the live node state a Status request reports.
// Implemented by *Node (see node.go), which adapts the scheduler, catalog,
// peer book, reconciler, and WAL.
type StatusSource interface {
	NodeID() string
	Peers() []PeerSummary
	Services() []ServiceSummary
	WALPos() int64
	Counters() Counters
}

// Server is the admin Unix domain socket server (C12).
type Server struct {
	socketPath string
	sched      *scheduler.Scheduler
	status     StatusSource
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an admin Server. sched receives Deploy/PeerAdd/PeerRemove
// commands via Enqueue; status answers Status requests from live node state.
func NewServer(socketPath string, sched *scheduler.Scheduler, status StatusSource, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		sched:      sched,
		status:     status,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the admin socket server. Removes any stale socket
// file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("admin: remove stale socket %q: %w", s.socketPath, err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("admin: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("admin: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("admin socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("admin: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("admin: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("admin: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "deploy":
		return s.cmdDeploy(req)
	case "peer_add":
		return s.cmdPeerAdd(req)
	case "peer_remove":
		return s.cmdPeerRemove(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	counters := s.status.Counters()
	return Response{
		OK:       true,
		NodeID:   s.status.NodeID(),
		Peers:    s.status.Peers(),
		Services: s.status.Services(),
		WALPos:   s.status.WALPos(),
		Counters: &counters,
	}
}

func (s *Server) cmdDeploy(req Request) Response {
	if req.Name == "" {
		return Response{OK: false, Error: "name required for deploy"}
	}
	err := s.runCommand(scheduler.Command{
		Kind: scheduler.CmdDeploy,
		Deploy: scheduler.DeploySpec{
			Name:      req.Name,
			FlakeURI:  req.FlakeURI,
			ExecName:  req.ExecName,
			Version:   req.Version,
			Tombstone: req.Tombstone,
		},
	})
	if err != nil {
		return Response{OK: true, Accepted: false, Reason: err.Error()}
	}
	return Response{OK: true, Accepted: true}
}

func (s *Server) cmdPeerAdd(req Request) Response {
	if req.Alias == "" || req.Address == "" || req.PubKey == "" {
		return Response{OK: false, Error: "alias, address, and pubkey required for peer_add"}
	}
	raw, err := hex.DecodeString(req.PubKey)
	if err != nil || len(raw) != 32 {
		return Response{OK: false, Error: "pubkey must be 32 hex-encoded bytes"}
	}
	var pubkey [32]byte
	copy(pubkey[:], raw)

	if err := s.runCommand(scheduler.Command{
		Kind:        scheduler.CmdPeerAdd,
		PeerAlias:   req.Alias,
		PeerAddress: req.Address,
		PeerPubKey:  pubkey,
	}); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdPeerRemove(req Request) Response {
	if req.Alias == "" {
		return Response{OK: false, Error: "alias required for peer_remove"}
	}
	if err := s.runCommand(scheduler.Command{Kind: scheduler.CmdPeerRemove, PeerAlias: req.Alias}); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

// runCommand enqueues cmd on the scheduler and blocks for its result,
// answering the admin client synchronously (spec.md §6's request/response
// contract); it gives up after connTimeout.
func (s *Server) runCommand(cmd scheduler.Command) error {
	result := make(chan error, 1)
	cmd.Result = result
	if err := s.sched.Enqueue(cmd); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-time.After(connTimeout):
		return fmt.Errorf("admin: command timed out waiting for scheduler tick")
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
