package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"
)

// tcpKeepAlive keeps idle companion links from silently dying behind
// NAT gateways.
const tcpKeepAlive = 30 * time.Second

func newTCPTransport(cfg Config) Transport {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return newStreamTransport(addr, func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialer := net.Dialer{KeepAlive: tcpKeepAlive}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		return conn, nil
	})
}
