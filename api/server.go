package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"cupid/configs"
	"cupid/notify"
)

// Server speaks line-delimited JSON over TCP: one Request per line in, one
// Response per line out. A subscribe request flips the connection into an
// event stream until the client hangs up.
type Server struct {
	handler  *Handler
	listener net.Listener
	connMap  *sync.Map
	sem      chan struct{}
	done     chan bool
	logger   zerolog.Logger
}

func NewServer(handler *Handler, address string, logger zerolog.Logger) (*Server, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", address)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		handler:  handler,
		listener: listener,
		connMap:  &sync.Map{},
		sem:      make(chan struct{}, configs.MaxConnectionHandler),
		done:     make(chan bool, 1),
		logger:   logger.With().Str("component", "server").Logger(),
	}, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run accepts connections until Close. The semaphore bounds concurrent
// handlers; accept blocks once it is full.
func (s *Server) Run(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		s.connMap.Store(conn.RemoteAddr().String(), conn)
		s.sem <- struct{}{}
		go func() {
			defer func() {
				<-s.sem
				s.connMap.Delete(conn.RemoteAddr().String())
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops the accept loop and drops every open connection.
func (s *Server) Close() {
	s.done <- true
	s.connMap.Range(func(key, value interface{}) bool {
		_ = value.(net.Conn).Close()
		return true
	})
	_ = s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		data, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Msg("connection read failed")
			}
			return
		}
		var req Request
		if err := json.Unmarshal([]byte(data), &req); err != nil {
			s.writeLine(conn, fail(errBadRequest))
			continue
		}
		if req.Op == OpSubscribe {
			s.streamEvents(ctx, conn, &req)
			return
		}
		s.writeLine(conn, s.handler.Handle(ctx, &req))
	}
}

// streamEvents acknowledges the subscription and then writes one event per
// line until the client disconnects or the server shuts down.
func (s *Server) streamEvents(ctx context.Context, conn net.Conn, req *Request) {
	s.writeRaw(conn, mustMarshal(&Response{OK: true}))
	err := s.handler.Subscribe(ctx, req, func(batch []notify.Event) error {
		for i := range batch {
			payload, err := json.Marshal(&batch[i])
			if err != nil {
				return err
			}
			if err := s.writeRaw(conn, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug().Err(err).Msg("event stream closed")
	}
}

func (s *Server) writeLine(conn net.Conn, resp *Response) {
	_ = s.writeRaw(conn, mustMarshal(resp))
}

func (s *Server) writeRaw(conn net.Conn, payload []byte) error {
	payload = append(payload, '\n')
	if err := conn.SetWriteDeadline(time.Now().Add(configs.ConnectionTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func mustMarshal(resp *Response) []byte {
	payload, err := json.Marshal(resp)
	if err != nil {
		panic(err)
	}
	return payload
}
