package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// HTTPProbe checks a target by issuing GET requests against a path on its
// address. Any 2xx response is healthy.
type HTTPProbe struct {
	client *http.Client
	path   string
	port   int32
}

// NewHTTPProbe creates a probe requesting path. When port is non-zero it
// overrides the target's port.
func NewHTTPProbe(path string, port int32, timeout time.Duration) *HTTPProbe {
	if path == "" {
		path = "/healthz"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{client: &http.Client{Timeout: timeout}, path: path, port: port}
}

// Status implements Probe.
func (p *HTTPProbe) Status(ctx context.Context, target Target) (bool, error) {
	if target.Address == "" {
		return false, fmt.Errorf("health: target %s has no address yet", target.TaskID)
	}
	port := target.Port
	if p.port != 0 {
		port = p.port
	}
	host := target.Address
	if port != 0 {
		host = net.JoinHostPort(target.Address, strconv.Itoa(int(port)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+p.path, nil)
	if err != nil {
		return false, fmt.Errorf("health: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
