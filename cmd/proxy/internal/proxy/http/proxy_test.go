package http_proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xhost-proxy/cmd/proxy/internal/relay"
)

type staticRoutes map[string]core.Endpoint

func (s staticRoutes) Lookup(_ context.Context, host string) (core.Endpoint, error) {
	if ep, ok := s[host]; ok {
		return ep, nil
	}
	return core.Endpoint{}, core.ErrRouteNotFound
}

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// fakeDialer hands out the proxy end of a pipe for reachable addresses and
// keeps the upstream end for the test.
type fakeDialer struct {
	mu        sync.Mutex
	reachable map[string]bool
	dialed    []string
	upstreams chan net.Conn
}

func newFakeDialer(reachable ...string) *fakeDialer {
	d := &fakeDialer{reachable: make(map[string]bool), upstreams: make(chan net.Conn, 8)}
	for _, addr := range reachable {
		d.reachable[addr] = true
	}
	return d
}

func (d *fakeDialer) DialContext(_ context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	ok := d.reachable[address]
	d.mu.Unlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	proxySide, upstreamSide := net.Pipe()
	d.upstreams <- upstreamSide
	return proxySide, nil
}

func (d *fakeDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	up, down int64
}

func (o *recordingObserver) ConnectionFinished(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) SessionFinished(up, down int64, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.up += up
	o.down += down
}

func (o *recordingObserver) Outcomes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

func newTestProxy(d *fakeDialer, obs *recordingObserver) *HTTPProxy {
	p := &HTTPProxy{
		Routes: staticRoutes{
			"example.com": {Host: "upstream.local", Port: 9000},
			"multi.local": {Host: "multi", Port: 80},
			"dangling":    {},
		},
		Relay: relay.New(time.Second, 0),
		Resolver: fakeResolver{
			"upstream.local": {"10.0.0.9"},
			"multi":          {"10.0.0.1", "10.0.0.2"},
		},
		Dialer: d,
	}
	if obs != nil {
		p.Observer = obs
	}
	return p
}

// serve runs the handler on one end of a pipe and returns the client end and
// a channel closed when the handler returns.
func serve(t *testing.T, p *HTTPProxy) (net.Conn, <-chan struct{}) {
	t.Helper()
	client, proxySide := net.Pipe()
	t.Cleanup(func() { client.Close() })
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.HandleConnection(proxySide)
	}()
	return client, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestHandleConnectionErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		request string
		want    string
		outcome Outcome
	}{
		{"missing host", "GET / HTTP/1.1\r\nAccept: */*\r\n\r\n", "HTTP/1.1 400 Bad Request\r\n\r\n", OutcomeBadRequest},
		{"truncated host line", "GET / HTTP/1.1\r\nHost: example.co", "HTTP/1.1 400 Bad Request\r\n\r\n", OutcomeBadRequest},
		{"unknown host", "GET / HTTP/1.1\r\nHost: nowhere.example\r\n\r\n", "HTTP/1.1 502 Bad Gateway\r\n\r\n", OutcomeNoRoute},
		{"host case mismatch", "GET / HTTP/1.1\r\nHost: EXAMPLE.com\r\n\r\n", "HTTP/1.1 502 Bad Gateway\r\n\r\n", OutcomeNoRoute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			obs := &recordingObserver{}
			client, done := serve(t, newTestProxy(d, obs))

			if _, err := client.Write([]byte(tt.request)); err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(client)
			if err != nil {
				t.Fatalf("read response: %v", err)
			}
			waitDone(t, done)

			if string(got) != tt.want {
				t.Errorf("response = %q, want %q", got, tt.want)
			}
			if len(d.Dialed()) != 0 {
				t.Errorf("dialed %v, want no upstream connection", d.Dialed())
			}
			if diff := cmp.Diff([]string{string(tt.outcome)}, obs.Outcomes()); diff != "" {
				t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandleConnectionProxiesRequest(t *testing.T) {
	d := newFakeDialer("10.0.0.9:9000")
	obs := &recordingObserver{}
	client, done := serve(t, newTestProxy(d, obs))

	request := "GET /index.html HTTP/1.1\r\nHost: example.com:8080\r\nUser-Agent: test\r\n\r\n"
	if _, err := client.Write([]byte(request)); err != nil {
		t.Fatal(err)
	}

	var upstream net.Conn
	select {
	case upstream = <-d.upstreams:
	case <-time.After(time.Second):
		t.Fatal("no upstream connection opened")
	}
	defer upstream.Close()

	forwarded := make([]byte, len(request))
	if _, err := io.ReadFull(upstream, forwarded); err != nil {
		t.Fatal(err)
	}
	if string(forwarded) != request {
		t.Errorf("forwarded %q, want the original request bytes", forwarded)
	}

	response := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
	if _, err := upstream.Write([]byte(response)); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(response))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != response {
		t.Errorf("client received %q, want %q", got, response)
	}

	upstream.Close()
	waitDone(t, done)

	if rest, _ := io.ReadAll(client); len(rest) != 0 {
		t.Errorf("unexpected trailing bytes %q", rest)
	}
	if diff := cmp.Diff([]string{"10.0.0.9:9000"}, d.Dialed()); diff != "" {
		t.Errorf("dialed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{string(OutcomeProxied)}, obs.Outcomes()); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if obs.up != int64(len(request)) || obs.down != int64(len(response)) {
		t.Errorf("bytes up/down = %d/%d, want %d/%d", obs.up, obs.down, len(request), len(response))
	}
}

func TestHandleConnectionTriesEachAddress(t *testing.T) {
	d := newFakeDialer("10.0.0.2:80")
	client, done := serve(t, newTestProxy(d, nil))

	request := "GET / HTTP/1.1\r\nHost: multi.local\r\n\r\n"
	if _, err := client.Write([]byte(request)); err != nil {
		t.Fatal(err)
	}
	upstream := <-d.upstreams
	io.ReadFull(upstream, make([]byte, len(request)))
	upstream.Close()
	waitDone(t, done)

	if diff := cmp.Diff([]string{"10.0.0.1:80", "10.0.0.2:80"}, d.Dialed()); diff != "" {
		t.Errorf("dial order mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleConnectionUpstreamFailureClosesSilently(t *testing.T) {
	tests := []struct {
		name string
		host string
	}{
		{"connect refused", "example.com"},
		{"resolution failure", "dangling"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			obs := &recordingObserver{}
			client, done := serve(t, newTestProxy(d, obs))

			if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: " + tt.host + "\r\n\r\n")); err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(client)
			if err != nil {
				t.Fatal(err)
			}
			waitDone(t, done)

			if len(got) != 0 {
				t.Errorf("client received %q, want no bytes", got)
			}
			if diff := cmp.Diff([]string{string(OutcomeUpstreamError)}, obs.Outcomes()); diff != "" {
				t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandleConnectionClientClosesFirst(t *testing.T) {
	obs := &recordingObserver{}
	client, done := serve(t, newTestProxy(newFakeDialer(), obs))
	client.Close()
	waitDone(t, done)

	if diff := cmp.Diff([]string{string(OutcomeClosedEarly)}, obs.Outcomes()); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleConnectionRoutingIsDeterministic(t *testing.T) {
	d := newFakeDialer("10.0.0.9:9000")
	p := newTestProxy(d, nil)

	for i := 0; i < 3; i++ {
		client, done := serve(t, p)
		request := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
		client.Write([]byte(request))
		upstream := <-d.upstreams
		io.ReadFull(upstream, make([]byte, len(request)))
		upstream.Close()
		waitDone(t, done)
	}

	want := []string{"10.0.0.9:9000", "10.0.0.9:9000", "10.0.0.9:9000"}
	if diff := cmp.Diff(want, d.Dialed()); diff != "" {
		t.Errorf("dialed mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleConnectionIdleSessionClosesBothSides(t *testing.T) {
	d := newFakeDialer("10.0.0.9:9000")
	obs := &recordingObserver{}
	p := newTestProxy(d, obs)
	p.Relay = relay.New(100*time.Millisecond, 0)
	client, done := serve(t, p)

	request := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if _, err := client.Write([]byte(request)); err != nil {
		t.Fatal(err)
	}
	var upstream net.Conn
	select {
	case upstream = <-d.upstreams:
	case <-time.After(time.Second):
		t.Fatal("no upstream connection opened")
	}
	defer upstream.Close()

	forwarded := make([]byte, len(request))
	if _, err := io.ReadFull(upstream, forwarded); err != nil {
		t.Fatal(err)
	}
	if string(forwarded) != request {
		t.Errorf("forwarded %q, want %q", forwarded, request)
	}

	response := "HTTP/1.1 204 No Content\r\n\r\n"
	if _, err := upstream.Write([]byte(response)); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(response))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != response {
		t.Errorf("client received %q, want %q", got, response)
	}

	// Both sides now stay silent past the idle timeout.
	waitDone(t, done)

	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("client read after idle close = %v, want io.EOF", err)
	}
	if _, err := upstream.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("upstream read after idle close = %v, want io.EOF", err)
	}
	if diff := cmp.Diff([]string{string(OutcomeProxied)}, obs.Outcomes()); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	obs.mu.Lock()
	up, down := obs.up, obs.down
	obs.mu.Unlock()
	if up != int64(len(request)) || down != int64(len(response)) {
		t.Errorf("bytes up/down = %d/%d, want %d/%d", up, down, len(request), len(response))
	}
}

type panickingRoutes struct{}

func (panickingRoutes) Lookup(context.Context, string) (core.Endpoint, error) {
	panic("routing table corrupted")
}

func TestHandleConnectionPanicLeavesOutcomeToPool(t *testing.T) {
	obs := &recordingObserver{}
	p := newTestProxy(newFakeDialer(), obs)
	p.Routes = panickingRoutes{}

	client, proxySide := net.Pipe()
	defer client.Close()
	recovered := make(chan interface{}, 1)
	go func() {
		defer func() { recovered <- recover() }()
		p.HandleConnection(proxySide)
	}()

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-recovered:
		if r == nil {
			t.Fatal("handler swallowed the panic")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}

	if got, err := io.ReadAll(client); err != nil || len(got) != 0 {
		t.Errorf("client read = %q, %v; want closed connection", got, err)
	}
	if outcomes := obs.Outcomes(); len(outcomes) != 0 {
		t.Errorf("outcomes = %v, want none recorded by the handler", outcomes)
	}
}
