// Package pgwire serves the Postgres simple query protocol on top of a local
// store. It is enough for database/sql clients to connect, create the
// timestamps table, insert and count rows; the extended protocol is refused.
package pgwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgproto3/v2"

	"github.com/bit2swaz/pgprobe/internal/metrics"
	"github.com/bit2swaz/pgprobe/internal/store"
)

const (
	txIdle   = 'I'
	txInTx   = 'T'
	txFailed = 'E'
)

// Store hands each client connection a session of its own, so one client's
// transaction never sees statements from another.
type Store interface {
	Session(ctx context.Context) (*store.Session, error)
}

type Server struct {
	store  Store
	logger *slog.Logger

	// ctx is cancelled by Close and aborts statements still running.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closed  bool
	nextPID uint32
	wg      sync.WaitGroup
}

func NewServer(st Store, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:  st,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Close is called, handling each one in
// its own goroutine. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("Listening on " + ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}

		pid, ok := s.track(conn)
		if !ok {
			conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn, pid)
		}()
	}
}

// Close stops accepting, drops open sessions and waits for their handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.cancel()

	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers conn and assigns it a process ID for BackendKeyData.
func (s *Server) track(conn net.Conn) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	s.conns[conn] = struct{}{}
	s.nextPID++
	return s.nextPID, true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn, pid uint32) {
	defer conn.Close()

	metrics.IncConnection()
	defer metrics.DecConnection()

	logger := s.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	logger.Info("New connection")

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)

	ok, err := s.startup(conn, backend, logger)
	if err != nil {
		logger.Error("Startup failed", "error", err)
		return
	}
	if !ok {
		return
	}

	sess, err := s.store.Session(s.ctx)
	if err != nil {
		logger.Error("Failed to open session", "error", err)
		backend.Send(&pgproto3.ErrorResponse{
			Severity: "FATAL",
			Code:     "53300",
			Message:  err.Error(),
		})
		return
	}

	var txStatus byte = txIdle
	defer func() {
		if txStatus != txIdle {
			// The connection goes back to the pool; leave no transaction open on it.
			if _, err := sess.Exec(context.Background(), "ROLLBACK"); err != nil {
				logger.Warn("Rollback of abandoned transaction failed", "error", err)
			}
		}
		if err := sess.Close(); err != nil {
			logger.Warn("Failed to release session", "error", err)
		}
	}()

	if err := greet(backend, pid); err != nil {
		logger.Error("Startup failed", "error", err)
		return
	}

	// After an extended-protocol message is refused everything up to the next
	// Sync is discarded.
	discarding := false

	for {
		msg, err := backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Info("Client disconnected")
				return
			}
			logger.Error("Error receiving message", "error", err)
			return
		}

		switch v := msg.(type) {
		case *pgproto3.Query:
			logger.Info("Received query", "sql", v.String)
			txStatus, err = s.simpleQuery(backend, sess, v.String, txStatus)
			if err != nil {
				logger.Error("Failed to answer query", "error", err)
				return
			}

		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute, *pgproto3.Close, *pgproto3.Flush:
			if discarding {
				continue
			}
			discarding = true
			err = backend.Send(&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "0A000",
				Message:  "extended query protocol is not supported",
			})
			if err != nil {
				return
			}

		case *pgproto3.Sync:
			discarding = false
			if err := backend.Send(&pgproto3.ReadyForQuery{TxStatus: txStatus}); err != nil {
				return
			}

		case *pgproto3.Terminate:
			logger.Info("Client closing connection")
			return

		default:
			logger.Warn("Unknown message type", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// startup reads the startup packet, refusing encryption. It reports false
// without an error when the client only wanted to cancel a query.
func (s *Server) startup(conn net.Conn, backend *pgproto3.Backend, logger *slog.Logger) (bool, error) {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return false, fmt.Errorf("failed to receive startup message: %w", err)
		}

		switch v := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			logger.Info("Encryption request received, rejecting")
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return false, fmt.Errorf("failed to reject encryption: %w", err)
			}

		case *pgproto3.CancelRequest:
			// Statements run to completion; there is nothing to cancel.
			logger.Info("Ignoring cancel request", "process_id", v.ProcessID)
			return false, nil

		case *pgproto3.StartupMessage:
			logger.Info("Received startup message",
				"protocol_version", v.ProtocolVersion,
				"parameters", v.Parameters)
			return true, nil

		default:
			return false, fmt.Errorf("unexpected startup message %T", msg)
		}
	}
}

func greet(backend *pgproto3.Backend, pid uint32) error {
	for _, msg := range []pgproto3.BackendMessage{
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: "14.0"},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.ParameterStatus{Name: "DateStyle", Value: "ISO, MDY"},
		&pgproto3.BackendKeyData{ProcessID: pid, SecretKey: pid},
		&pgproto3.ReadyForQuery{TxStatus: txIdle},
	} {
		if err := backend.Send(msg); err != nil {
			return fmt.Errorf("failed to send %T: %w", msg, err)
		}
	}
	return nil
}

// simpleQuery answers one Query message and returns the transaction status
// to report from now on.
func (s *Server) simpleQuery(backend *pgproto3.Backend, sess *store.Session, sql string, txStatus byte) (byte, error) {
	stmt := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sql), ";"))

	if stmt == "" {
		if err := backend.Send(&pgproto3.EmptyQueryResponse{}); err != nil {
			return txStatus, err
		}
		return txStatus, backend.Send(&pgproto3.ReadyForQuery{TxStatus: txStatus})
	}

	upper := strings.ToUpper(stmt)
	kind := classify(upper)

	if txStatus == txFailed {
		if kind != kindEnd {
			return s.sendError(backend, errTxAborted, txStatus)
		}
		// COMMIT of a failed transaction rolls it back, as Postgres does.
		metrics.IncSQL(kind.String())
		if _, err := sess.Exec(s.ctx, "ROLLBACK"); err != nil {
			s.logger.Debug("Rollback of failed transaction", "error", err)
		}
		return idle(backend, "ROLLBACK")
	}

	var reply []pgproto3.BackendMessage
	switch kind {
	case kindRead:
		metrics.IncSQL("read")
		fields, rows, err := sess.Query(s.ctx, stmt)
		if err != nil {
			return s.sendError(backend, err, txStatus)
		}
		reply = append(reply, &pgproto3.RowDescription{Fields: fields})
		for _, row := range rows {
			reply = append(reply, &pgproto3.DataRow{Values: row})
		}
		reply = append(reply, &pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", len(rows)))})

	default:
		metrics.IncSQL(kind.String())
		n, err := sess.Exec(s.ctx, stmt)
		if err != nil {
			return s.sendError(backend, err, txStatus)
		}
		reply = append(reply, &pgproto3.CommandComplete{CommandTag: []byte(commandTag(upper, n))})
		switch kind {
		case kindBegin:
			txStatus = txInTx
		case kindEnd:
			txStatus = txIdle
		}
	}

	for _, msg := range reply {
		if err := backend.Send(msg); err != nil {
			return txStatus, err
		}
	}
	return txStatus, backend.Send(&pgproto3.ReadyForQuery{TxStatus: txStatus})
}

var errTxAborted = &pgError{
	code: "25P02",
	msg:  "current transaction is aborted, commands ignored until end of transaction block",
}

type pgError struct {
	code string
	msg  string
}

func (e *pgError) Error() string { return e.msg }

func idle(backend *pgproto3.Backend, tag string) (byte, error) {
	if err := backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)}); err != nil {
		return txIdle, err
	}
	return txIdle, backend.Send(&pgproto3.ReadyForQuery{TxStatus: txIdle})
}

// sendError reports cause to the client. Inside a transaction block the
// transaction is marked failed until the client ends it.
func (s *Server) sendError(backend *pgproto3.Backend, cause error, txStatus byte) (byte, error) {
	s.logger.Warn("Statement failed", "error", cause)
	if txStatus == txInTx {
		txStatus = txFailed
	}

	code := "42000"
	var pgErr *pgError
	if errors.As(cause, &pgErr) {
		code = pgErr.code
	}

	err := backend.Send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  cause.Error(),
	})
	if err != nil {
		return txStatus, err
	}
	return txStatus, backend.Send(&pgproto3.ReadyForQuery{TxStatus: txStatus})
}
