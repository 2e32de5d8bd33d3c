package router

import (
	"inbox-service/utils"

	"github.com/rs/zerolog"
	"github.com/zishang520/socket.io/v2/socket"
)

// Socket logs agent connections. Agents only listen; messages reach them
// through the workspace room.
func Socket(server *socket.Server, log zerolog.Logger) {
	server.On("connection", func(clients ...interface{}) {
		client := clients[0].(*socket.Socket)

		claims, _ := client.Data().(*utils.TokenMetadata)
		if claims == nil {
			return
		}
		log.Debug().
			Str("socket_id", string(client.Id())).
			Str("agent_id", claims.Id).
			Uint("workspace_id", claims.WorkspaceID).
			Msg("agent connected")

		client.On("disconnect", func(args ...interface{}) {
			var reason string
			if len(args) > 0 {
				reason, _ = args[0].(string)
			}
			log.Debug().
				Str("socket_id", string(client.Id())).
				Str("agent_id", claims.Id).
				Str("reason", reason).
				Msg("agent disconnected")
		})
	})
}
