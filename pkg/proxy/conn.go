package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/events"
	"github.com/aquemy/ballast/pkg/logging"
	"github.com/aquemy/ballast/pkg/metrics"
	"github.com/aquemy/ballast/pkg/pool"
)

// handleConnection runs the per-connection procedure: pick a backend,
// dial it, copy both directions until both halves finish or one of them
// fails, then settle the accounting exactly once.
func (s *Server) handleConnection(clientConn net.Conn) {
	defer s.wg.Done()
	defer s.releaseSlot()
	defer clientConn.Close()

	start := time.Now()
	connID := uuid.NewString()
	clientAddr := clientConn.RemoteAddr().String()

	ctx, span := otel.Tracer("ballast/proxy").Start(context.Background(), "proxy.connection")
	span.SetAttributes(
		attribute.String("conn.id", connID),
		attribute.String("client.addr", clientAddr),
	)
	defer span.End()

	b, err := s.state.Strategy().Pick()
	if err != nil {
		metrics.IncPickFailures()
		span.SetStatus(codes.Error, "no healthy backend")
		logging.Warn("no healthy backend available, closing client",
			logging.String("conn_id", connID),
			logging.String("client_addr", clientAddr))
		return
	}
	span.SetAttributes(attribute.Int("backend.id", int(b.ID())))

	b.IncrementConnections()
	b.IncrementRequests()
	s.state.PublishConnection(events.ConnectionEvent{
		Kind:       events.ConnectionOpened,
		BackendID:  b.ID(),
		ConnID:     connID,
		ClientAddr: clientAddr,
	})

	dialer := net.Dialer{Timeout: s.state.Config().HealthTimeout()}
	backendConn, err := dialer.Dial("tcp", b.Address())
	if err != nil {
		b.IncrementErrors()
		metrics.RecordConnectionError(b.Name(), "dial")
		span.SetStatus(codes.Error, "dial failed")
		logging.ErrorContext(ctx, "failed to connect to backend",
			logging.String("conn_id", connID),
			logging.Int("backend_id", int(b.ID())),
			logging.String("address", b.Address()),
			logging.Err(err))
		s.state.ReportFailure(events.BackendFailure{
			BackendID: b.ID(),
			Reason:    "dial: " + err.Error(),
		})
		s.settle(b, connID, clientAddr, start, 0, 0, false, false)
		return
	}
	defer backendConn.Close()

	unregister := s.state.RegisterConn(b, func() {
		clientConn.Close()
		backendConn.Close()
	})
	defer unregister()

	bytesIn, bytesOut, clientToBackendErr, backendToClientErr := proxyData(clientConn, backendConn)

	backendFault := isWriteError(clientToBackendErr) ||
		(backendToClientErr != nil && !isWriteError(backendToClientErr))
	ok := clientToBackendErr == nil && backendToClientErr == nil

	if !ok {
		b.IncrementErrors()
		metrics.RecordConnectionError(b.Name(), "copy")
		span.SetStatus(codes.Error, "copy failed")
	}
	if backendFault {
		reason := "copy"
		if backendToClientErr != nil {
			reason = "copy: " + backendToClientErr.Error()
		} else if clientToBackendErr != nil {
			reason = "copy: " + clientToBackendErr.Error()
		}
		s.state.ReportFailure(events.BackendFailure{BackendID: b.ID(), Reason: reason})
	}

	s.settle(b, connID, clientAddr, start, bytesIn, bytesOut, ok, true)
}

// settle performs the close-side accounting exactly once per connection:
// latency, error and connection counters, the Closed event and the drain
// wake-up. proxied is false when the dial never succeeded; those
// attempts add no latency, but they still count in the request total
// that the latency average divides by.
func (s *Server) settle(b *backend.Backend, connID, clientAddr string, start time.Time, bytesIn, bytesOut int64, ok, proxied bool) {
	duration := time.Since(start)
	if proxied {
		b.AddLatencyMS(uint64(duration.Milliseconds()))
	}

	remaining := b.DecrementConnections()
	if b.IsDraining() && remaining == 0 {
		s.state.NotifyDrain()
	}

	s.state.PublishConnection(events.ConnectionEvent{
		Kind:       events.ConnectionClosed,
		BackendID:  b.ID(),
		ConnID:     connID,
		ClientAddr: clientAddr,
		DurationMS: duration.Milliseconds(),
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
		OK:         ok,
	})
	if proxied {
		metrics.RecordConnection(b.Name(), duration)
	}
}

// proxyData runs the two half-duplex copies concurrently. Each half
// buffers at most one page; when a half sees EOF it half-closes the
// peer in that direction, so independent shutdown of each direction is
// preserved end to end. When a half fails, both sockets are closed so
// the other half stops too and the session ends.
func proxyData(clientConn, backendConn net.Conn) (bytesIn, bytesOut int64, clientToBackendErr, backendToClientErr error) {
	var wg sync.WaitGroup
	wg.Add(2)

	abort := func() {
		clientConn.Close()
		backendConn.Close()
	}

	// Client -> Backend
	go func() {
		defer wg.Done()
		buf := pool.CopyBuffers.Get()
		defer pool.CopyBuffers.Put(buf)
		n, err := io.CopyBuffer(backendConn, clientConn, buf)
		bytesIn = n
		clientToBackendErr = filterClosed(err)
		if clientToBackendErr != nil {
			abort()
		}
		if conn, ok := backendConn.(*net.TCPConn); ok {
			conn.CloseWrite()
		}
	}()

	// Backend -> Client
	go func() {
		defer wg.Done()
		buf := pool.CopyBuffers.Get()
		defer pool.CopyBuffers.Put(buf)
		n, err := io.CopyBuffer(clientConn, backendConn, buf)
		bytesOut = n
		backendToClientErr = filterClosed(err)
		if backendToClientErr != nil {
			abort()
		}
		if conn, ok := clientConn.(*net.TCPConn); ok {
			conn.CloseWrite()
		}
	}()

	wg.Wait()
	return bytesIn, bytesOut, clientToBackendErr, backendToClientErr
}

// filterClosed drops the errors a normal teardown produces
func filterClosed(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// isWriteError reports whether the copy failed writing to its
// destination. Used to attribute a failed session to the backend: a
// write error on the client->backend half means the backend socket
// broke.
func isWriteError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "write"
}
