package routes

import (
	"net/http"

	"github.com/petervdpas/infinitchat/internal/blob"
	"github.com/petervdpas/infinitchat/internal/call"
	"github.com/petervdpas/infinitchat/internal/chat"
	"github.com/petervdpas/infinitchat/internal/friends"
	"github.com/petervdpas/infinitchat/internal/presence"
	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/status"
)

// Deps is everything the routes act on. Nil services leave their routes
// unregistered.
type Deps struct {
	SelfID   string
	Profiles *profile.Service
	Friends  *friends.Manager
	Chat     *chat.Manager
	Status   *status.Broadcaster
	Presence *presence.Table
	Calls    *call.Manager
	Blobs    blob.Store
	Logs     Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerUserRoutes(mux, d)
	registerFriendRoutes(mux, d)
	registerPresenceRoutes(mux, d)
	registerStatusRoutes(mux, d)
	RegisterChat(mux, d.Chat)
	RegisterCall(mux, d.Calls)
}
