package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ywci/tbc/internal/cluster"
)

const meshPath = "/tbc"

// MeshConfig configures a websocket mesh.
type MeshConfig struct {
	// Self is the local node id.
	Self cluster.NodeID
	// Addrs holds the overlay address of every node, indexed by id.
	Addrs []string
	// SendQueue is the per-peer queue length.
	SendQueue int
	// InboundQueue is the length of the inbound frame channel.
	InboundQueue int
	// Compress enables LZ4 frame compression.
	Compress bool
	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration
	// WriteTimeout bounds one frame write.
	WriteTimeout time.Duration
	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// ReadLimit is the largest frame accepted.
	ReadLimit int64
}

// DefaultMeshConfig returns the default settings for a cluster.
func DefaultMeshConfig(self cluster.NodeID, addrs []string) MeshConfig {
	return MeshConfig{
		Self:         self,
		Addrs:        addrs,
		SendQueue:    4096,
		InboundQueue: 8192,
		Compress:     true,
		DialTimeout:  time.Second,
		WriteTimeout: 5 * time.Second,
		ReconnectMin: 50 * time.Millisecond,
		ReconnectMax: 2 * time.Second,
		ReadLimit:    MaxPayloadSize + CompressedHeaderSize,
	}
}

// Validate checks the settings.
func (c MeshConfig) Validate() error {
	if len(c.Addrs) == 0 || len(c.Addrs) > cluster.MaxNodes {
		return fmt.Errorf("mesh needs 1..%d addresses, got %d", cluster.MaxNodes, len(c.Addrs))
	}
	if !c.Self.Valid(len(c.Addrs)) {
		return fmt.Errorf("self %d outside the mesh", c.Self)
	}
	if c.SendQueue <= 0 || c.InboundQueue <= 0 {
		return errors.New("queue lengths must be positive")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return errors.New("invalid reconnect backoff")
	}
	return nil
}

type meshPeer struct {
	id      cluster.NodeID
	addr    string
	send    chan []byte
	dropped atomic.Uint64
	up      atomic.Bool
}

// Mesh is a Transport over websocket connections. Every node dials every
// peer and writes to it over the outbound connection. Frames are read from
// the inbound connections the peers dialed.
type Mesh struct {
	cfg      MeshConfig
	log      *zap.Logger
	peers    []*meshPeer
	inbound  chan Frame
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewMesh creates a Mesh.
func NewMesh(cfg MeshConfig, log *zap.Logger) (*Mesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	m := &Mesh{
		cfg:     cfg,
		log:     log,
		peers:   make([]*meshPeer, len(cfg.Addrs)),
		inbound: make(chan Frame, cfg.InboundQueue),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}
	for i, addr := range cfg.Addrs {
		if cluster.NodeID(i) == cfg.Self {
			continue
		}
		m.peers[i] = &meshPeer{
			id:   cluster.NodeID(i),
			addr: addr,
			send: make(chan []byte, cfg.SendQueue),
		}
	}
	return m, nil
}

// Inbound returns the received frames.
func (m *Mesh) Inbound() <-chan Frame {
	return m.inbound
}

// Broadcast queues a frame for every peer.
func (m *Mesh) Broadcast(kind Kind, payload []byte) error {
	frame, err := EncodeFrame(kind, payload, m.cfg.Compress)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range m.peers {
		if p == nil {
			continue
		}
		if err := m.enqueue(p, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send queues a frame for one peer.
func (m *Mesh) Send(to cluster.NodeID, kind Kind, payload []byte) error {
	if int(to) >= len(m.peers) || m.peers[to] == nil {
		return opError("send", to, ErrUnknownPeer)
	}
	frame, err := EncodeFrame(kind, payload, m.cfg.Compress)
	if err != nil {
		return err
	}
	return m.enqueue(m.peers[to], frame)
}

func (m *Mesh) enqueue(p *meshPeer, frame []byte) error {
	select {
	case p.send <- frame:
		return nil
	default:
		p.dropped.Add(1)
		return opError("send", p.id, ErrQueueFull)
	}
}

// Connected reports whether the outbound connection to id is up.
func (m *Mesh) Connected(id cluster.NodeID) bool {
	if int(id) >= len(m.peers) || m.peers[id] == nil {
		return false
	}
	return m.peers[id].up.Load()
}

// Run listens for peers and keeps the outbound connections up until ctx is
// done. A listener failure is returned.
func (m *Mesh) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.cfg.Addrs[m.cfg.Self])
	if err != nil {
		return opError("listen", m.cfg.Self, err)
	}
	return m.Serve(ctx, ln)
}

// Serve runs the mesh on an existing listener.
func (m *Mesh) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc(meshPath, func(w http.ResponseWriter, r *http.Request) {
		m.accept(ctx, w, r)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: m.cfg.DialTimeout}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return opError("serve", m.cfg.Self, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	for _, p := range m.peers {
		if p == nil {
			continue
		}
		g.Go(func() error {
			m.runPeer(ctx, p)
			return nil
		})
	}
	return g.Wait()
}

func (m *Mesh) accept(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	from, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil || from < 0 || from >= len(m.peers) || m.peers[from] == nil {
		http.Error(w, "unknown peer", http.StatusBadRequest)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(m.cfg.ReadLimit)

	id := cluster.NodeID(from)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Debug("peer read failed", zap.Uint8("peer", uint8(id)), zap.Error(err))
			}
			return
		}
		kind, payload, err := DecodeFrame(data)
		if err != nil {
			m.log.Debug("bad frame", zap.Uint8("peer", uint8(id)), zap.Error(err))
			continue
		}
		select {
		case m.inbound <- Frame{From: id, Kind: kind, Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

// runPeer dials p and writes its queue until ctx is done, reconnecting
// with exponential backoff.
func (m *Mesh) runPeer(ctx context.Context, p *meshPeer) {
	target := url.URL{
		Scheme:   "ws",
		Host:     p.addr,
		Path:     meshPath,
		RawQuery: "from=" + strconv.Itoa(int(m.cfg.Self)),
	}
	backoff := m.cfg.ReconnectMin

	for ctx.Err() == nil {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		conn, _, err := m.dialer.DialContext(dialCtx, target.String(), nil)
		cancel()
		if err != nil {
			m.log.Debug("dial peer", zap.Uint8("peer", uint8(p.id)), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, m.cfg.ReconnectMax)
			continue
		}

		backoff = m.cfg.ReconnectMin
		p.up.Store(true)
		m.log.Debug("connected to peer", zap.Uint8("peer", uint8(p.id)))
		err = m.writeLoop(ctx, conn, p)
		p.up.Store(false)
		conn.Close()
		if err != nil {
			m.log.Debug("peer connection lost", zap.Uint8("peer", uint8(p.id)), zap.Error(err))
		}
	}
}

func (m *Mesh) writeLoop(ctx context.Context, conn *websocket.Conn, p *meshPeer) error {
	closed := make(chan struct{})
	go func() {
		// drain control frames; the peer never writes data on this side
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case <-closed:
			return ErrNotConnected
		case frame := <-p.send:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return err
			}
		}
	}
}
