package proxy

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/aquemy/ballast/pkg/config"
	"github.com/aquemy/ballast/pkg/events"
	"github.com/aquemy/ballast/pkg/state"
)

// startNamedBackend starts a TCP server that announces its name on
// accept and closes. Good for checking which backend a connection was
// routed to.
func startNamedBackend(t *testing.T, name string) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start backend: %v", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				conn.Write([]byte(name))
				conn.Close()
			}(conn)
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return listener
}

// startEchoBackend starts a TCP server that reads until EOF, then
// answers with "name: <data>" and closes. Exercises both half-close
// directions.
func startEchoBackend(t *testing.T, name string) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start backend: %v", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				data, err := io.ReadAll(conn)
				if err != nil {
					return
				}
				fmt.Fprintf(conn, "%s: %s", name, data)
			}(conn)
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return listener
}

func testProxyConfig(backends ...config.BackendConfig) *config.Config {
	return &config.Config{
		Runtime: config.RuntimeConfig{
			MetricsCap:                16,
			HealthCap:                 16,
			DrainTimeoutMillis:        500,
			BackgroundTimeoutMillis:   500,
			AcceptTimeoutMillis:       50,
			ConfigWatchIntervalMillis: 50,
		},
		Proxy:    config.ProxyConfig{ListenAddress: "127.0.0.1:0"},
		Strategy: config.StrategyRoundRobin,
		Backends: backends,
		Health:   config.HealthConfig{IntervalMS: 60_000, TimeoutMS: 500},
		Metrics:  config.MetricsConfig{IntervalMS: 60_000, TimeoutMS: 500},
	}
}

// startProxy builds the context and serves the proxy, returning the
// bound address.
func startProxy(t *testing.T, cfg *config.Config) (*state.Context, *Server, string) {
	t.Helper()
	ctx, err := state.New(cfg)
	if err != nil {
		t.Fatalf("Failed to build context: %v", err)
	}
	server := NewServer(ctx)

	go server.Run()
	t.Cleanup(func() {
		ctx.Shutdown()
		server.CloseListener()
	})

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("Proxy never bound its listener")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ctx, server, server.Addr()
}

func TestProxyRoundRobinDistribution(t *testing.T) {
	b1 := startNamedBackend(t, "one")
	b2 := startNamedBackend(t, "two")
	b3 := startNamedBackend(t, "three")

	_, _, addr := startProxy(t, testProxyConfig(
		config.BackendConfig{ID: 1, Name: "one", Address: b1.Addr().String(), Weight: 1},
		config.BackendConfig{ID: 2, Name: "two", Address: b2.Addr().String(), Weight: 1},
		config.BackendConfig{ID: 3, Name: "three", Address: b3.Addr().String(), Weight: 1},
	))

	want := []string{"one", "two", "three", "one", "two", "three", "one", "two", "three"}
	for i, expected := range want {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Connect %d failed: %v", i, err)
		}
		data, err := io.ReadAll(conn)
		conn.Close()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if string(data) != expected {
			t.Errorf("Connection %d: expected backend %q, got %q", i, expected, data)
		}
	}
}

func TestProxyEchoWithHalfClose(t *testing.T) {
	b1 := startEchoBackend(t, "echo")

	_, _, addr := startProxy(t, testProxyConfig(
		config.BackendConfig{ID: 1, Name: "echo", Address: b1.Addr().String(), Weight: 1},
	))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// Half-close our sending direction; the backend sees EOF, answers,
	// and the response still flows back.
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "echo: hello" {
		t.Errorf("Expected %q, got %q", "echo: hello", data)
	}
}

func TestProxyNoHealthyBackendClosesClient(t *testing.T) {
	b1 := startNamedBackend(t, "one")

	ctx, _, addr := startProxy(t, testProxyConfig(
		config.BackendConfig{ID: 1, Name: "one", Address: b1.Addr().String(), Weight: 1},
	))

	b, _ := ctx.RouteTable().Get(1)
	b.SetAlive(false)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected EOF from closed client socket, got %v", err)
	}
	if b.TotalRequests() != 0 {
		t.Error("A failed pick must not count as a request")
	}
}

func TestProxyDialFailureAccounting(t *testing.T) {
	// An address that refuses connections.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start listener: %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	ctx, _, addr := startProxy(t, testProxyConfig(
		config.BackendConfig{ID: 1, Name: "one", Address: deadAddr, Weight: 1},
	))

	connCh, cancel := ctx.SubscribeConnections()
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected EOF after dial failure, got %v", err)
	}

	// The failure must reach the health checker's channel.
	select {
	case f := <-ctx.Failures():
		if f.BackendID != 1 {
			t.Errorf("Expected failure for backend 1, got %d", f.BackendID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a backend failure report")
	}

	b, _ := ctx.RouteTable().Get(1)
	deadline := time.Now().Add(2 * time.Second)
	for b.ActiveConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Active connections never returned to zero")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b.TotalErrors() != 1 {
		t.Errorf("Expected 1 error, got %d", b.TotalErrors())
	}
	if b.TotalRequests() != 1 {
		t.Errorf("Expected 1 request, got %d", b.TotalRequests())
	}

	// Opened then Closed(ok=false), in that order.
	var got []events.ConnectionEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-connCh:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("Expected 2 connection events, got %d", len(got))
		}
	}
	if got[0].Kind != events.ConnectionOpened {
		t.Errorf("Expected Opened first, got %+v", got[0])
	}
	if got[1].Kind != events.ConnectionClosed || got[1].OK {
		t.Errorf("Expected Closed(ok=false), got %+v", got[1])
	}
}

func TestProxyConnectionEventsOnSuccess(t *testing.T) {
	b1 := startEchoBackend(t, "echo")

	ctx, _, addr := startProxy(t, testProxyConfig(
		config.BackendConfig{ID: 1, Name: "echo", Address: b1.Addr().String(), Weight: 1},
	))

	connCh, cancel := ctx.SubscribeConnections()
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn.Write([]byte("ping"))
	conn.(*net.TCPConn).CloseWrite()
	io.ReadAll(conn)
	conn.Close()

	var got []events.ConnectionEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-connCh:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("Expected 2 connection events, got %d", len(got))
		}
	}
	if got[0].Kind != events.ConnectionOpened || got[0].BackendID != 1 {
		t.Errorf("Expected Opened(1), got %+v", got[0])
	}
	closed := got[1]
	if closed.Kind != events.ConnectionClosed || !closed.OK {
		t.Errorf("Expected Closed(ok=true), got %+v", closed)
	}
	if closed.ConnID == "" || closed.ConnID != got[0].ConnID {
		t.Error("Opened and Closed must share the connection id")
	}
	if closed.BytesIn != 4 {
		t.Errorf("Expected 4 bytes in, got %d", closed.BytesIn)
	}
}

func TestProxyMaxConnectionsAdmission(t *testing.T) {
	b1 := startEchoBackend(t, "echo")

	cfg := testProxyConfig(
		config.BackendConfig{ID: 1, Name: "echo", Address: b1.Addr().String(), Weight: 1},
	)
	cfg.Proxy.MaxConnections = 1

	ctx, _, addr := startProxy(t, cfg)

	// First connection occupies the only slot.
	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	b, _ := ctx.RouteTable().Get(1)
	deadline := time.Now().Add(2 * time.Second)
	for b.ActiveConnections() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("First connection never established")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Second connection is queued in the kernel but not dispatched.
	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer second.Close()

	time.Sleep(150 * time.Millisecond)
	if b.TotalRequests() != 1 {
		t.Fatalf("Second connection was admitted past the cap (requests=%d)", b.TotalRequests())
	}

	// Releasing the first slot admits exactly the queued connection.
	first.(*net.TCPConn).CloseWrite()
	io.ReadAll(first)
	first.Close()

	second.Write([]byte("late"))
	second.(*net.TCPConn).CloseWrite()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(second)
	if err != nil {
		t.Fatalf("Read on second connection failed: %v", err)
	}
	if string(data) != "echo: late" {
		t.Errorf("Expected %q, got %q", "echo: late", data)
	}
}

func TestProxyCopyFailureReportsBackend(t *testing.T) {
	// A backend that accepts, reads one byte, then aborts the
	// connection with an RST so the proxy's copy fails mid-stream.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start backend: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				buf := make([]byte, 1)
				conn.Read(buf)
				conn.(*net.TCPConn).SetLinger(0)
				conn.Close()
			}(conn)
		}
	}()

	ctx, _, addr := startProxy(t, testProxyConfig(
		config.BackendConfig{ID: 1, Name: "crashy", Address: listener.Addr().String(), Weight: 1},
	))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case f := <-ctx.Failures():
		if f.BackendID != 1 {
			t.Errorf("Expected failure for backend 1, got %d", f.BackendID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a backend failure report after the reset")
	}

	b, _ := ctx.RouteTable().Get(1)
	deadline := time.Now().Add(2 * time.Second)
	for b.TotalErrors() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Copy failure was never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProxyDrainNotifyOnClose(t *testing.T) {
	b1 := startEchoBackend(t, "echo")

	ctx, _, addr := startProxy(t, testProxyConfig(
		config.BackendConfig{ID: 1, Name: "echo", Address: b1.Addr().String(), Weight: 1},
	))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	b, _ := ctx.RouteTable().Get(1)
	deadline := time.Now().Add(2 * time.Second)
	for b.ActiveConnections() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Connection never established")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Begin draining while the connection is live, then wait for the
	// drain from another goroutine; closing the connection must wake it.
	b.BeginDrain()
	waited := make(chan state.DrainResult, 1)
	go func() {
		waited <- ctx.WaitForDrain(2 * time.Second)
	}()

	conn.(*net.TCPConn).CloseWrite()
	io.ReadAll(conn)
	conn.Close()

	select {
	case result := <-waited:
		if result != state.Drained {
			t.Errorf("Expected Drained, got %v", result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Drain waiter never woke")
	}
}
