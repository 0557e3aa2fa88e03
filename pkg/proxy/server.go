package proxy

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aquemy/ballast/pkg/events"
	"github.com/aquemy/ballast/pkg/logging"
	"github.com/aquemy/ballast/pkg/metrics"
	"github.com/aquemy/ballast/pkg/state"
)

// Server accepts client connections, picks a backend through the active
// strategy and proxies bytes until either side closes. The listener
// survives migrations; it is rebuilt only when the listen address
// changes.
type Server struct {
	state *state.Context

	mu       sync.Mutex
	listener *net.TCPListener

	// sem caps concurrent proxied connections. When full, accepting
	// pauses until a connection closes. Nil means unlimited.
	sem chan struct{}

	wg sync.WaitGroup
}

// NewServer creates a proxy server bound to the shared context
func NewServer(st *state.Context) *Server {
	s := &Server{state: st}
	if max := st.Config().Proxy.MaxConnections; max > 0 {
		s.sem = make(chan struct{}, max)
	}
	return s
}

// Run binds the listener and serves until shutdown. A bind failure at
// startup is fatal and returned to the orchestrator.
func (s *Server) Run() error {
	addr := s.state.Config().Proxy.ListenAddress
	if err := s.bind(addr); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	logging.Info("proxy listening", logging.String("address", addr))

	go s.watchConfig()

	s.acceptLoop()
	return nil
}

// bind opens a new listener and installs it, closing any previous one.
func (s *Server) bind(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.listener
	s.listener = listener
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (s *Server) currentListener() *net.TCPListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// Addr returns the bound listener address, or "" before binding. Useful
// when listening on an ephemeral port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// CloseListener stops accepting new connections. In-flight connections
// keep running; use Drain to wait them out.
func (s *Server) CloseListener() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
}

// watchConfig rebinds the listener when a migration changed the listen
// address. A failed rebind keeps the old listener serving and surfaces a
// config error in the log.
func (s *Server) watchConfig() {
	configCh, cancel := s.state.SubscribeConfig()
	defer cancel()

	for {
		select {
		case <-s.state.ShutdownCh():
			return
		case ev, ok := <-configCh:
			if !ok {
				return
			}
			if ev.Kind != events.ListenAddressChanged {
				continue
			}
			if err := s.bind(ev.ListenAddress); err != nil {
				logging.Error("failed to rebind listener, keeping old address",
					logging.String("address", ev.ListenAddress),
					logging.Err(err))
				continue
			}
			logging.Info("listener rebound", logging.String("address", ev.ListenAddress))
		}
	}
}

// acceptLoop admits connections against the cap and dispatches each to
// its own goroutine. Accept waits are bounded so the loop notices
// shutdown and listener swaps promptly.
func (s *Server) acceptLoop() {
	for {
		select {
		case <-s.state.ShutdownCh():
			return
		default:
		}

		if !s.acquireSlot() {
			return
		}

		listener := s.currentListener()
		if listener == nil {
			s.releaseSlot()
			return
		}

		listener.SetDeadline(time.Now().Add(s.state.Config().AcceptTimeout()))
		conn, err := listener.Accept()
		if err != nil {
			s.releaseSlot()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.state.ShutdownCh():
				return
			default:
			}
			if listener != s.currentListener() {
				// Listener was swapped under us during a rebind.
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Error("accept error", logging.Err(err))
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// acquireSlot blocks while the connection cap is reached. It reports
// false when shutdown began while waiting.
func (s *Server) acquireSlot() bool {
	if s.sem == nil {
		return true
	}
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		// Cap reached: pause accepting until a connection closes.
		metrics.IncAcceptsPaused()
	}
	select {
	case s.sem <- struct{}{}:
		return true
	case <-s.state.ShutdownCh():
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.sem != nil {
		<-s.sem
	}
}

// Drain waits until every in-flight connection finished, or the timeout
// expired. It reports whether the drain completed in time.
func (s *Server) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Wait blocks until every in-flight connection finished
func (s *Server) Wait() {
	s.wg.Wait()
}
