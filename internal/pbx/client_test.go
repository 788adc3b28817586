package pbx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

// fakePBX is a scripted manager-interface server. onAction decides how to
// answer each received action; a nil return sends nothing.
type fakePBX struct {
	listener net.Listener
	onAction func(frame Event) []string

	events chan string
}

func startFakePBX(t *testing.T, onAction func(frame Event) []string) *fakePBX {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	srv := &fakePBX{listener: listener, onAction: onAction, events: make(chan string, 16)}
	go srv.serve()
	t.Cleanup(func() { listener.Close() })
	return srv
}

func (s *fakePBX) addr() (string, int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (s *fakePBX) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakePBX) handle(conn net.Conn) {
	defer conn.Close()
	fmt.Fprintf(conn, "Asterisk Call Manager/5.0\r\n")

	reader := bufio.NewReader(conn)
	writeDone := make(chan struct{})
	defer close(writeDone)

	// Push scripted events interleaved with responses.
	go func() {
		for {
			select {
			case frame := <-s.events:
				io.WriteString(conn, frame)
			case <-writeDone:
				return
			}
		}
	}()

	for {
		frame, err := readFrame(reader)
		if err != nil {
			return
		}
		for _, line := range s.onAction(frame) {
			line = strings.ReplaceAll(line, "{actionid}", frame["ActionID"])
			io.WriteString(conn, line)
		}
	}
}

// loginOK answers Login and Events with Success and ignores the rest.
func loginOK(frame Event) []string {
	switch frame["Action"] {
	case "Login", "Events":
		return []string{"Response: Success\r\nActionID: {actionid}\r\n\r\n"}
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, srv *fakePBX, mutate func(*Config)) *Client {
	t.Helper()
	host, port := srv.addr()
	cfg := Config{
		Host: host, Port: port,
		Username: "gateway", Password: "secret",
		ActionTimeout: 2 * time.Second,
		ReconnectBase: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client := NewClient(cfg, testLogger())
	t.Cleanup(client.Close)
	return client
}

func waitHealthy(t *testing.T, client *Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client.Healthy() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never reached authenticated, state = %s", client.State())
}

func TestConnectAndAuthenticate(t *testing.T) {
	srv := startFakePBX(t, loginOK)
	client := newTestClient(t, srv, nil)
	client.Start()
	waitHealthy(t, client)
}

func TestLoginRejected(t *testing.T) {
	srv := startFakePBX(t, func(frame Event) []string {
		if frame["Action"] == "Login" {
			return []string{"Response: Error\r\nActionID: {actionid}\r\nMessage: Authentication failed\r\n\r\n"}
		}
		return nil
	})
	client := newTestClient(t, srv, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 1
	})
	client.Start()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client.Healthy() {
			t.Fatal("client authenticated against a rejecting server")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDBPutStrict(t *testing.T) {
	srv := startFakePBX(t, func(frame Event) []string {
		switch frame["Action"] {
		case "Login", "Events":
			return loginOK(frame)
		case "DBPut":
			if frame["Family"] == "bad" {
				return []string{"Response: Error\r\nActionID: {actionid}\r\nMessage: Database error\r\n\r\n"}
			}
			return []string{"Response: Success\r\nActionID: {actionid}\r\n\r\n"}
		}
		return nil
	})
	client := newTestClient(t, srv, nil)
	client.Start()
	waitHealthy(t, client)

	if err := client.DBPut("registrar", "1001/endpoint", "type=endpoint"); err != nil {
		t.Errorf("DBPut() error: %v", err)
	}
	if err := client.DBPut("bad", "k", "v"); err == nil {
		t.Error("DBPut(bad) expected error")
	}
}

func TestTolerantOperationsResolveOnTimeout(t *testing.T) {
	srv := startFakePBX(t, func(frame Event) []string {
		switch frame["Action"] {
		case "Login", "Events":
			return loginOK(frame)
		}
		return nil // never answer DBDelTree or Reload
	})
	client := newTestClient(t, srv, func(cfg *Config) {
		cfg.ActionTimeout = 100 * time.Millisecond
		cfg.ReloadTimeout = 100 * time.Millisecond
	})
	client.Start()
	waitHealthy(t, client)

	if err := client.DBDelTree("registrar/1001"); err != nil {
		t.Errorf("DBDelTree() on timeout error: %v, want nil", err)
	}
	if err := client.Reload("res_pjsip.so"); err != nil {
		t.Errorf("Reload() on timeout error: %v, want nil", err)
	}
}

func TestStrictActionTimeout(t *testing.T) {
	srv := startFakePBX(t, func(frame Event) []string {
		switch frame["Action"] {
		case "Login", "Events":
			return loginOK(frame)
		}
		return nil
	})
	client := newTestClient(t, srv, func(cfg *Config) {
		cfg.ActionTimeout = 100 * time.Millisecond
	})
	client.Start()
	waitHealthy(t, client)

	if err := client.DBPut("f", "k", "v"); !errors.Is(err, ErrTimeout) {
		t.Errorf("DBPut() error = %v, want ErrTimeout", err)
	}
}

func TestActionBeforeAuthenticate(t *testing.T) {
	srv := startFakePBX(t, loginOK)
	client := newTestClient(t, srv, nil)
	// Not started: no connection at all.
	if _, err := client.SendAction("Ping", nil, 0); !errors.Is(err, ErrDisconnected) {
		t.Errorf("SendAction() error = %v, want ErrDisconnected", err)
	}
}

func TestEventDispatchOrder(t *testing.T) {
	srv := startFakePBX(t, loginOK)

	received := make(chan Event, 8)
	client := newTestClient(t, srv, nil)
	client.OnEvent(func(event Event) {
		received <- event
	})
	client.Start()
	waitHealthy(t, client)

	srv.events <- "Event: Newchannel\r\nChannel: PJSIP/GSM-Line1-aaa\r\nUniqueid: U1\r\n\r\n"
	srv.events <- "Event: Hangup\r\nChannel: PJSIP/GSM-Line1-aaa\r\nUniqueid: U1\r\n\r\n"

	want := []string{"Newchannel", "Hangup"}
	for _, name := range want {
		select {
		case event := <-received:
			if event["Event"] != name {
				t.Errorf("event = %q, want %q", event["Event"], name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("did not receive %s event", name)
		}
	}
}

func TestRedirectFields(t *testing.T) {
	got := make(chan Event, 1)
	srv := startFakePBX(t, func(frame Event) []string {
		switch frame["Action"] {
		case "Login", "Events":
			return loginOK(frame)
		case "Redirect":
			got <- frame
			return []string{"Response: Success\r\nActionID: {actionid}\r\n\r\n"}
		}
		return nil
	})
	client := newTestClient(t, srv, nil)
	client.Start()
	waitHealthy(t, client)

	if err := client.Redirect("PJSIP/GSM-Line1-aaa", "200", "from-internal"); err != nil {
		t.Fatalf("Redirect() error: %v", err)
	}

	frame := <-got
	for key, want := range map[string]string{
		"Channel": "PJSIP/GSM-Line1-aaa", "Exten": "200",
		"Context": "from-internal", "Priority": "1",
	} {
		if frame[key] != want {
			t.Errorf("Redirect %s = %q, want %q", key, frame[key], want)
		}
	}
}
