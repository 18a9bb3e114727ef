// Package control is C2, the Control Plane: one TCP connection per user
// carrying newline-delimited JSON, per spec.md §4.2 and §6.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"hub/server/internal/protocol"
	"hub/server/internal/registry"
	"hub/server/internal/screenshare"
	"hub/server/internal/transfer"
)

const maxLineBytes = 1 << 20 // 1 MiB, spec.md §4.2

// Server owns the control-plane listener and dispatches every inbound
// message to the registry, transfer broker, and screen-share relay. Session
// bookkeeping lives in the registry (C1 owns the control-connection handle);
// this type only ever borrows it back.
type Server struct {
	hub         *registry.Hub
	broker      *transfer.Broker
	relay       *screenshare.Relay
	rateHz      int
	idleTimeout time.Duration
	idleSweep   time.Duration
}

// New constructs a control-plane server. rateHz is the per-connection inbound
// message rate limit (spec.md's -rate-limit surface); 0 disables limiting.
// idleTimeout/idleSweep configure the heartbeat-driven idle reaper; either
// may be zero to disable reaping.
func New(hub *registry.Hub, broker *transfer.Broker, relay *screenshare.Relay, rateHz int, idleTimeout, idleSweep time.Duration) *Server {
	s := &Server{
		hub:         hub,
		broker:      broker,
		relay:       relay,
		rateHz:      rateHz,
		idleTimeout: idleTimeout,
		idleSweep:   idleSweep,
	}

	broker.OnFileAvailable(s.handleFileAvailable)
	relay.OnPresentStop(s.handlePresentStop)
	hub.OnLeave(s.handleLeave)

	return s
}

// session is one connected user's control-plane state.
type session struct {
	uid     uint32
	name    string
	conn    net.Conn
	send    chan protocol.Envelope
	closeCh chan struct{}
	once    sync.Once

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closeCh)
		s.conn.Close()
	})
}

// ListenAndServe accepts control connections on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	slog.Info("control plane listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if s.idleTimeout > 0 && s.idleSweep > 0 {
		go s.reapLoop(ctx)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	log := slog.With("component", "control", "conn", connID, "remote", conn.RemoteAddr().String())
	log.Debug("connected")

	sess := &session{
		conn:     conn,
		send:     make(chan protocol.Envelope, 64),
		closeCh:  make(chan struct{}),
		lastSeen: time.Now(),
	}
	defer func() {
		sess.close()
		if sess.uid != 0 {
			s.hub.Unregister(sess.uid)
		}
		log.Debug("disconnected")
	}()

	go s.writeLoop(sess, log)

	var limiter *rate.Limiter
	if s.rateHz > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.rateHz), s.rateHz)
	}

	reader := bufio.NewReaderSize(conn, 4096)
	for {
		line, tooLong, err := readLine(reader, maxLineBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "err", err)
			}
			return
		}
		if limiter != nil {
			_ = limiter.Wait(ctx)
		}
		if tooLong {
			sendTo(sess, protocol.Envelope{Type: protocol.TypeError, Message: "line exceeds 1MiB limit"})
			continue
		}
		if len(line) == 0 {
			continue
		}
		if !utf8.Valid(line) || !json.Valid(line) || line[0] != '{' {
			sendTo(sess, protocol.Envelope{Type: protocol.TypeError, Message: "malformed request"})
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			sendTo(sess, protocol.Envelope{Type: protocol.TypeError, Message: "malformed request"})
			continue
		}

		if sess.uid == 0 && env.Type != protocol.TypeLogin {
			sendTo(sess, protocol.Envelope{Type: protocol.TypeError, Message: "must login first"})
			continue
		}

		s.dispatch(sess, env, log)
		if env.Type == protocol.TypeLogout {
			return
		}
	}
}

func (s *Server) writeLoop(sess *session, log *slog.Logger) {
	for {
		select {
		case env, ok := <-sess.send:
			if !ok {
				return
			}
			b, err := json.Marshal(env)
			if err != nil {
				log.Error("marshal outbound", "err", err)
				continue
			}
			b = append(b, '\n')
			if _, err := sess.conn.Write(b); err != nil {
				log.Debug("write error", "err", err)
				sess.close()
				return
			}
		case <-sess.closeCh:
			return
		}
	}
}

// sendTo enqueues env without blocking forever: a slow peer never blocks the
// broadcaster, matching spec.md §4.2 ("a send failure to any peer during
// broadcast is logged and the peer is scheduled for disconnect, but
// broadcast to the remaining peers continues").
func sendTo(sess *session, env protocol.Envelope) {
	select {
	case sess.send <- env:
	case <-sess.closeCh:
	default:
		sess.close()
	}
}

func (s *Server) dispatch(sess *session, env protocol.Envelope, log *slog.Logger) {
	switch env.Type {
	case protocol.TypeLogin:
		s.handleLogin(sess, env, log)
	case protocol.TypeHeartbeat:
		s.handleHeartbeat(sess)
	case protocol.TypeChat, protocol.TypeBroadcast:
		s.handleBroadcastChat(sess, env)
	case protocol.TypeUnicast:
		s.handleUnicast(sess, env)
	case protocol.TypeGetHistory:
		s.handleGetHistory(sess)
	case protocol.TypeFileOffer:
		s.handleFileOffer(sess, env)
	case protocol.TypeFileRequest:
		s.handleFileRequest(sess, env)
	case protocol.TypePresentStart:
		s.handlePresentStart(sess, env)
	case protocol.TypePresentStop:
		s.relay.Stop(sess.uid)
	case protocol.TypeLogout:
		// handled by caller after dispatch returns
	default:
		sendTo(sess, protocol.Envelope{Type: protocol.TypeError, Message: "unknown message type: " + env.Type})
	}
}

func (s *Server) handleLogin(sess *session, env protocol.Envelope, log *slog.Logger) {
	uid := s.hub.Register(env.Name, sess)
	sess.uid = uid
	sess.name = env.Name

	log.Info("login", "uid", uid, "name", env.Name)

	sendTo(sess, protocol.Envelope{Type: protocol.TypeLoginSuccess, UID: uid, Name: env.Name})
	sendTo(sess, protocol.Envelope{Type: protocol.TypeParticipantList, Participants: s.hub.Snapshot()})

	s.broadcastExcept(uid, protocol.Envelope{Type: protocol.TypeUserJoined, UID: uid, Name: env.Name})
	s.broadcastParticipantList()
}

func (s *Server) handleHeartbeat(sess *session) {
	sess.touch()
	sendTo(sess, protocol.Envelope{Type: protocol.TypeHeartbeatAck, ServerTime: time.Now().UnixMilli()})
	sendTo(sess, protocol.Envelope{Type: protocol.TypeParticipantList, Participants: s.hub.Snapshot()})
}

// reapLoop disconnects control sessions that have sent no heartbeat for
// several heartbeat intervals (other message types do not count as
// activity) — catching peers that vanished without a FIN (a dead
// Wi-Fi link, a killed process) that a blocking Read would never notice.
func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.idleSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range s.hub.Handles(0) {
				sess, ok := h.(*session)
				if !ok {
					continue
				}
				if sess.idleFor() > s.idleTimeout {
					slog.Info("control: reaping idle connection", "uid", sess.uid, "name", sess.name)
					sess.close()
				}
			}
		}
	}
}

func (s *Server) handleBroadcastChat(sess *session, env protocol.Envelope) {
	kind := protocol.KindChat
	outType := protocol.TypeChat
	if env.Type == protocol.TypeBroadcast {
		kind = protocol.KindBroadcast
		outType = protocol.TypeBroadcast
	}
	msg := protocol.ChatMessage{
		Kind:      kind,
		UID:       sess.uid,
		Username:  sess.name,
		Text:      env.Text,
		Timestamp: time.Now().UnixMilli(),
	}
	s.hub.AppendChat(msg)

	out := protocol.Envelope{Type: outType, UID: msg.UID, Username: msg.Username, Text: msg.Text, Timestamp: msg.Timestamp}
	s.broadcastAll(out)
}

func (s *Server) handleUnicast(sess *session, env protocol.Envelope) {
	target, ok := s.sessionFor(env.TargetUID)
	if !ok {
		sendTo(sess, protocol.Envelope{Type: protocol.TypeError, Message: fmt.Sprintf("User with uid=%d not found", env.TargetUID)})
		return
	}

	msg := protocol.ChatMessage{
		Kind:      protocol.KindUnicast,
		UID:       sess.uid,
		Username:  sess.name,
		TargetUID: env.TargetUID,
		Text:      env.Text,
		Timestamp: time.Now().UnixMilli(),
	}
	s.hub.AppendChat(msg)

	sendTo(target, protocol.Envelope{Type: protocol.TypeUnicast, UID: msg.UID, Username: msg.Username, TargetUID: msg.TargetUID, Text: msg.Text, Timestamp: msg.Timestamp})
	sendTo(sess, protocol.Envelope{Type: protocol.TypeUnicastSent, UID: msg.UID, TargetUID: msg.TargetUID, Text: msg.Text, Timestamp: msg.Timestamp})
}

func (s *Server) handleGetHistory(sess *session) {
	msgs, count := s.hub.History()
	sendTo(sess, protocol.Envelope{Type: protocol.TypeHistory, Messages: msgs, Count: count})
}

func (s *Server) handleFileOffer(sess *session, env protocol.Envelope) {
	port, err := s.broker.Offer(env.FID, env.Filename, env.Size, sess.uid, sess.name)
	if err != nil {
		sendTo(sess, protocol.Envelope{Type: protocol.TypeError, Message: err.Error()})
		return
	}
	sendTo(sess, protocol.Envelope{Type: protocol.TypeFileUploadPort, FID: env.FID, Port: port})
}

func (s *Server) handleFileRequest(sess *session, env protocol.Envelope) {
	rec, port, err := s.broker.Request(env.FID)
	if err != nil {
		sendTo(sess, protocol.Envelope{Type: protocol.TypeError, Message: err.Error()})
		return
	}
	sendTo(sess, protocol.Envelope{
		Type: protocol.TypeFileDownloadPort, FID: rec.FID, Filename: rec.Filename, Size: rec.Size, Port: port,
	})
}

func (s *Server) handleFileAvailable(rec transfer.FileRecord) {
	s.broadcastAll(protocol.Envelope{
		Type: protocol.TypeFileAvailable, FID: rec.FID, Filename: rec.Filename, Size: rec.Size, Uploader: rec.UploaderName,
	})
}

func (s *Server) handlePresentStart(sess *session, env protocol.Envelope) {
	pPort, vPort, err := s.relay.Start(sess.uid, sess.name, env.Topic)
	if err != nil {
		sendTo(sess, protocol.Envelope{Type: protocol.TypeError, Message: err.Error()})
		return
	}
	sendTo(sess, protocol.Envelope{Type: protocol.TypeScreenSharePorts, PresenterPort: pPort, ViewerPort: vPort})
	s.broadcastAll(protocol.Envelope{Type: protocol.TypePresentStart, UID: sess.uid, Name: sess.name, Topic: env.Topic, ViewerPort: vPort})
}

func (s *Server) handlePresentStop(uid uint32, name string) {
	s.broadcastAll(protocol.Envelope{Type: protocol.TypePresentStop, UID: uid, Name: name})
}

func (s *Server) handleLeave(uid uint32, name string) {
	s.relay.Stop(uid)
	s.broadcastAll(protocol.Envelope{Type: protocol.TypeUserLeft, UID: uid, Name: name})
	s.broadcastParticipantList()
}

func (s *Server) broadcastAll(env protocol.Envelope) {
	s.broadcastExcept(0, env)
}

func (s *Server) broadcastExcept(excludeUID uint32, env protocol.Envelope) {
	for _, h := range s.hub.Handles(excludeUID) {
		if sess, ok := h.(*session); ok {
			sendTo(sess, env)
		}
	}
}

func (s *Server) broadcastParticipantList() {
	s.broadcastAll(protocol.Envelope{Type: protocol.TypeParticipantList, Participants: s.hub.Snapshot()})
}

func (s *Server) sessionFor(uid uint32) (*session, bool) {
	h, ok := s.hub.Handle(uid)
	if !ok {
		return nil, false
	}
	sess, ok := h.(*session)
	return sess, ok
}

// readLine reads one newline-delimited line, growing its buffer as needed.
// If the line exceeds maxBytes, the remainder up to the next newline is
// discarded and tooLong is reported true, without closing the connection —
// the caller replies `error` and keeps reading (spec.md §4.2: tolerant
// protocol).
func readLine(r *bufio.Reader, maxBytes int) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		frag, ferr := r.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, frag...)
			if len(buf) > maxBytes {
				tooLong = true
				buf = nil // stop accumulating; the line is already rejected
			}
		}
		if ferr == nil {
			break
		}
		if errors.Is(ferr, bufio.ErrBufferFull) {
			continue
		}
		return nil, false, ferr
	}
	if tooLong {
		return nil, true, nil
	}
	return trimNewline(buf), false, nil
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
