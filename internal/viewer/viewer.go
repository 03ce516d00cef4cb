package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/blob"
	"github.com/petervdpas/infinitchat/internal/call"
	"github.com/petervdpas/infinitchat/internal/chat"
	"github.com/petervdpas/infinitchat/internal/friends"
	"github.com/petervdpas/infinitchat/internal/logtail"
	"github.com/petervdpas/infinitchat/internal/metrics"
	"github.com/petervdpas/infinitchat/internal/presence"
	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/status"
	"github.com/petervdpas/infinitchat/internal/viewer/routes"
)

var log = logging.Logger("viewer")

const shutdownTimeout = 5 * time.Second

type Viewer struct {
	SelfID string

	Profiles *profile.Service
	Friends  *friends.Manager
	Chat     *chat.Manager
	Status   *status.Broadcaster
	Presence *presence.Table
	Calls    *call.Manager
	Blobs    blob.Store
	Logs     *logtail.Buffer

	// RateLimitPerSec of 0 turns request limiting off.
	RateLimitPerSec float64
	RateLimitBurst  int
}

// Handler builds the viewer's full handler chain.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		SelfID:   v.SelfID,
		Profiles: v.Profiles,
		Friends:  v.Friends,
		Chat:     v.Chat,
		Status:   v.Status,
		Presence: v.Presence,
		Calls:    v.Calls,
		Blobs:    v.Blobs,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	if v.RateLimitPerSec > 0 {
		h = newRateLimiter(v.RateLimitPerSec, v.RateLimitBurst).middleware(h)
	}
	return noCache(h)
}

// Start serves the viewer on addr until ctx is done, then shuts down
// gracefully.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, v)
}

func Serve(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("VIEWER: listening on http://%s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("VIEWER: shutdown: %v", err)
		return srv.Close()
	}
	return nil
}
