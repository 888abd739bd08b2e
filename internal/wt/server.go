// Package wt serves room connections over WebTransport. A client opens one
// bidirectional stream per session and exchanges newline-delimited JSON
// frames on it.
package wt

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"driftchat/internal/domain"
	"driftchat/internal/protocol"
	"driftchat/internal/session"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

const maxFrameBytes = 1 << 20

// Session close codes.
const (
	CodeNormal   uint32 = 0
	CodeRejected uint32 = 1
	CodeAborted  uint32 = 2
)

// Relay is what the transport needs from the relay layer.
type Relay interface {
	OnConnect(ctx context.Context, conn session.Conn, roomID, userID string) (*session.Entry, error)
	OnDisconnect(connID string)
	Dispatch(ctx context.Context, connID string, in protocol.Frame)
	Reject(connID, reqID string, err error)
}

// Server holds the WebTransport listener.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	relay     Relay
	wt        *webtransport.Server
}

func NewServer(addr string, tlsConfig *tls.Config, relay Relay) *Server {
	return &Server{addr: addr, tlsConfig: tlsConfig, relay: relay}
}

// Run starts the WebTransport server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc("/wt", func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room_id")
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			userID = r.Header.Get("X-User-ID")
		}
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.handleSession(ctx, sess, roomID, userID)
	})

	slog.Info("webtransport listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleSession(ctx context.Context, sess *webtransport.Session, roomID, userID string) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Debug("webtransport accept stream", "err", err)
		_ = sess.CloseWithError(webtransport.SessionErrorCode(CodeRejected), "no stream")
		return
	}
	serve(ctx, s.relay, stream, roomID, userID, func(code uint32, reason string) {
		_ = sess.CloseWithError(webtransport.SessionErrorCode(code), reason)
	})
}

// streamConn adapts a stream to session.Conn. Close records the reason;
// the writer ends the session once the outbox is drained.
type streamConn struct {
	id      string
	closing chan struct{}
	once    sync.Once
	reason  string
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) Close(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.closing)
	})
}

// serve runs one connection over rw until either side ends it. end closes
// the underlying session and must unblock reads on rw.
func serve(ctx context.Context, relay Relay, rw io.ReadWriter, roomID, userID string, end func(code uint32, reason string)) {
	conn := &streamConn{id: uuid.NewString(), closing: make(chan struct{})}
	entry, err := relay.OnConnect(ctx, conn, roomID, userID)
	if err != nil {
		code := domain.CodeOf(err)
		_ = writeFrame(rw, protocol.Failure("", string(code), err.Error()))
		end(CodeRejected, string(code))
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		failed := false
		for out := range entry.Outbox() {
			if failed {
				continue
			}
			if err := writeFrame(rw, out); err != nil {
				slog.Debug("webtransport write failed", "conn_id", conn.id, "err", err)
				failed = true
			}
		}
		<-conn.closing
		if conn.reason == "" {
			end(CodeNormal, "bye")
		} else {
			end(CodeAborted, conn.reason)
		}
	}()

	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in protocol.Frame
		if err := json.Unmarshal(line, &in); err != nil {
			relay.Reject(conn.id, "", domain.ErrInvalidRequest.With("malformed frame: %v", err))
			continue
		}
		if in.Type == "" {
			relay.Reject(conn.id, in.ReqID, domain.ErrInvalidRequest.With("frame type is required"))
			continue
		}
		relay.Dispatch(ctx, conn.id, in)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("webtransport read failed", "conn_id", conn.id, "err", err)
	}

	relay.OnDisconnect(conn.id)
	conn.Close("")
	<-done
}

func writeFrame(w io.Writer, f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
