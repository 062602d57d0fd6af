package rpc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// limiterIdle is how long a remote may stay silent before its limiter is
// forgotten
const limiterIdle = 10 * time.Minute

type peerLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiters hands out one token bucket per remote host
type limiters struct {
	rps   rate.Limit
	burst int

	mu     sync.Mutex
	peers  map[string]*peerLimiter
	swept  time.Time
	now    func() time.Time
	denied int64
}

func newLimiters(perSecond float64, burst int) *limiters {
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &limiters{
		rps:   rate.Limit(perSecond),
		burst: burst,
		peers: make(map[string]*peerLimiter),
		now:   time.Now,
	}
}

func (l *limiters) allow(remote string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > limiterIdle {
		for k, p := range l.peers {
			if now.Sub(p.seen) > limiterIdle {
				delete(l.peers, k)
			}
		}
		l.swept = now
	}

	p, ok := l.peers[remote]
	if !ok {
		p = &peerLimiter{lim: rate.NewLimiter(l.rps, l.burst)}
		l.peers[remote] = p
	}
	p.seen = now
	if !p.lim.AllowN(now, 1) {
		l.denied++
		return false
	}
	return true
}

func (l *limiters) Denied() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.denied
}

// remoteOf returns the caller's address without port, or the whole address
// for listeners that have none
func remoteOf(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func (l *limiters) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !l.allow(remoteOf(ctx)) {
		return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", info.FullMethod)
	}
	return handler(ctx, req)
}
