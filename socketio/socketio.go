// Package socketio pushes stored messages to connected agent UIs. Each
// connection joins the room of the workspace named in its access token.
package socketio

import (
	"context"
	"strconv"
	"time"

	"inbox-service/dispatcher"
	"inbox-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	eiolog "github.com/zishang520/engine.io/v2/log"
	"github.com/zishang520/socket.io-go-redis/adapter"
	r_type "github.com/zishang520/socket.io-go-redis/types"
	"github.com/zishang520/socket.io/v2/socket"
)

// WorkspaceRoom names the room of a workspace.
func WorkspaceRoom(workspaceID uint) socket.Room {
	return socket.Room("workspace:" + strconv.FormatUint(uint64(workspaceID), 10))
}

// Init mounts the socket.io endpoint on app. With a redis client, rooms are
// shared between replicas through the redis adapter.
func Init(app *fiber.App, redisClient *redis.Client, key []byte, log zerolog.Logger) *socket.Server {
	eiolog.DEBUG = log.GetLevel() <= zerolog.DebugLevel

	options := socket.DefaultServerOptions()
	options.SetServeClient(false)
	options.SetAllowEIO3(true)
	options.SetPingInterval(25 * time.Second)
	options.SetPingTimeout(20 * time.Second)
	options.SetConnectTimeout(10 * time.Second)
	if redisClient != nil {
		options.SetAdapter(&adapter.RedisAdapterBuilder{
			Redis: r_type.NewRedisClient(context.Background(), redisClient),
			Opts:  &adapter.RedisAdapterOptions{},
		})
	}

	server := socket.NewServer(nil, nil)

	server.Use(func(client *socket.Socket, next func(*socket.ExtendedError)) {
		token, ok := client.Conn().Request().Query().Get("token")
		if !ok {
			next(socket.NewExtendedError("missing token", nil))
			return
		}
		claims, err := utils.ParseToken(token, key)
		if err != nil {
			log.Debug().Err(err).Msg("socket rejected")
			next(socket.NewExtendedError("invalid token", nil))
			return
		}
		client.SetData(claims)
		client.Join(WorkspaceRoom(claims.WorkspaceID))
		next(nil)
	})

	app.Get("/socket.io/", adaptor.HTTPHandler(server.ServeHandler(options)))
	app.Post("/socket.io/", adaptor.HTTPHandler(server.ServeHandler(options)))

	return server
}

// Emitter is the notification sink that forwards stored messages to the
// workspace room.
type Emitter struct {
	server *socket.Server
}

func NewEmitter(server *socket.Server) *Emitter {
	return &Emitter{server: server}
}

func (e *Emitter) Name() string { return "socketio" }

func (e *Emitter) Publish(_ context.Context, p *dispatcher.Payload) error {
	return e.server.To(WorkspaceRoom(p.Workspace.ID)).Emit(p.Event, p)
}
