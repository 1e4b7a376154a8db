// Package proxycheck verifies at startup that the reverse proxy in front of
// the exporter forwards client identity headers.
//
// The check listens on the address the scrape server will later bind, sends
// a request for a random path to the public URL, and inspects the raw request
// the proxy delivers to the listener.
package proxycheck

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// PathPrefix is the path segment requested through the proxy.
const PathPrefix = "/.proxy-check/"

var (
	ErrMissingForwardedFor  = errors.New("proxycheck: the reverse proxy does not set X-Forwarded-For")
	ErrMissingForwardedHost = errors.New("proxycheck: the reverse proxy does not set X-Forwarded-Host")
	ErrNoRequestCaptured    = errors.New("proxycheck: the request did not reach this process")
)

// connTimeout bounds reading one captured request.
const connTimeout = 10 * time.Second

// Checker owns a temporary listener on the scrape address.
type Checker struct {
	ln net.Listener

	mu      sync.Mutex
	nonce   string
	capture chan http.Header

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds addr and starts capturing requests.
func Listen(addr string) (*Checker, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxycheck: listen %s: %w", addr, err)
	}
	c := &Checker{ln: ln}
	c.wg.Add(1)
	go c.acceptLoop()
	return c, nil
}

// Addr returns the bound address.
func (c *Checker) Addr() string {
	return c.ln.Addr().String()
}

// Close stops the listener and waits for in-flight connections.
func (c *Checker) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ln.Close()
		c.wg.Wait()
	})
	return err
}

// Verify requests publicURL + PathPrefix + nonce with client and checks the
// headers of the request the proxy delivered.
func (c *Checker) Verify(ctx context.Context, publicURL string, client *http.Client) error {
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	capture := make(chan http.Header, 1)
	c.mu.Lock()
	c.nonce, c.capture = nonce, capture
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.nonce, c.capture = "", nil
		c.mu.Unlock()
	}()

	target := strings.TrimRight(publicURL, "/") + PathPrefix + nonce
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("proxycheck: build request: %w", err)
	}
	klog.V(1).Infof("proxycheck: requesting %s", target)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoRequestCaptured, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The capture is delivered before the listener answers, so it is ready
	// by the time the response arrives.
	select {
	case h := <-capture:
		return checkHeaders(h)
	default:
		return fmt.Errorf("%w: %s answered with status %d", ErrNoRequestCaptured, target, resp.StatusCode)
	}
}

func (c *Checker) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			klog.Warningf("proxycheck: accept: %v", err)
			continue
		}
		c.wg.Add(1)
		go c.handleConn(conn)
	}
}

func (c *Checker) handleConn(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		klog.V(2).Infof("proxycheck: read request: %v", err)
		return
	}

	status := "404 Not Found"
	c.mu.Lock()
	if c.capture != nil && strings.HasSuffix(req.URL.Path, PathPrefix+c.nonce) {
		select {
		case c.capture <- req.Header.Clone():
		default:
		}
		status = "204 No Content"
	}
	c.mu.Unlock()

	fmt.Fprintf(conn, "HTTP/1.1 %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", status)
}

// checkHeaders accepts the X-Forwarded-* pair or an RFC 7239 Forwarded
// header carrying both for= and host=.
func checkHeaders(h http.Header) error {
	forwarded := parseForwarded(h.Values("Forwarded"))
	if h.Get("X-Forwarded-For") == "" && forwarded["for"] == "" {
		return ErrMissingForwardedFor
	}
	if h.Get("X-Forwarded-Host") == "" && forwarded["host"] == "" {
		return ErrMissingForwardedHost
	}
	return nil
}

// parseForwarded returns the parameters of the last Forwarded element.
func parseForwarded(values []string) map[string]string {
	out := map[string]string{}
	if len(values) == 0 {
		return out
	}
	elems := strings.Split(values[len(values)-1], ",")
	for _, pair := range strings.Split(elems[len(elems)-1], ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		out[strings.ToLower(k)] = strings.Trim(v, `"`)
	}
	return out
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("proxycheck: nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
