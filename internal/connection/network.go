package connection

import (
	"context"
	"net"
	"time"
)

// Probe reports whether the network path to the server is usable.
type Probe func(ctx context.Context) error

// TCPProbe dials addr and closes the connection straight away.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// WatchNetwork runs probe every interval and feeds the result to c as
// online/offline signals until ctx is done.
func WatchNetwork(ctx context.Context, c Connector, probe Probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := probe(probeCtx); err != nil {
			if ctx.Err() == nil {
				c.SetOffline()
			}
			return
		}
		c.SetOnline()
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
