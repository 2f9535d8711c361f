package query

import (
	"context"
	"net/http/httptrace"
	"sync"
)

// connAddrTracker captures the local and remote addresses of the
// connection used for one HTTP attempt, feeding the request context's
// lastDispatchedTo/lastDispatchedFrom diagnostic fields.
type connAddrTracker struct {
	mu     sync.Mutex
	local  string
	remote string
}

func withConnAddrTrace(ctx context.Context, t *connAddrTracker) context.Context {
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			t.mu.Lock()
			defer t.mu.Unlock()
			if info.Conn != nil {
				t.local = info.Conn.LocalAddr().String()
				t.remote = info.Conn.RemoteAddr().String()
			}
		},
	}
	return httptrace.WithClientTrace(ctx, trace)
}

func (t *connAddrTracker) addrs() (local, remote string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local, t.remote
}
