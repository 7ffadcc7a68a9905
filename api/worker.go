package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"swarm/core"
	"swarm/protocol"
)

// WorkerAPI accepts worker links and feeds their messages into the registry.
type WorkerAPI struct {
	registry   *core.Registry
	pingPeriod time.Duration
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

// NewWorkerAPI creates a new WorkerAPI
func NewWorkerAPI(registry *core.Registry, pingPeriod time.Duration, log zerolog.Logger) *WorkerAPI {
	return &WorkerAPI{
		registry:   registry,
		pingPeriod: pingPeriod,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// workers are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// HandleLink upgrades the request and serves the worker link until it drops.
func (api *WorkerAPI) HandleLink(c *gin.Context) {
	ws, err := api.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写出错误响应
		api.log.Warn().Err(err).Str("ip", c.ClientIP()).Msg("worker link upgrade failed")
		return
	}
	conn := protocol.NewConn(ws)
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	conn.KeepAlive(ctx, api.pingPeriod)

	// 注册节点，连接断开时注销
	id := api.registry.Register(conn, c.ClientIP())
	defer api.registry.Unregister(id)
	log := api.log.With().Str("node", id).Logger()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				log.Warn().Err(err).Msg("skipping malformed message")
				continue
			}
			if !protocol.IsClosed(err) {
				log.Debug().Err(err).Msg("worker link read")
			}
			return
		}
		if err := api.dispatch(id, msg); err != nil {
			log.Warn().Err(err).Str("type", string(msg.Type())).Msg("handle worker message")
		}
	}
}

func (api *WorkerAPI) dispatch(id string, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.ConfigMessage:
		return api.registry.UpdateConfig(id, m)
	case protocol.StatusMessage:
		_, err := api.registry.UpdateStatus(id, m.Status)
		return err
	case protocol.OutputMessage:
		return api.registry.Deliver(id, m)
	default:
		api.log.Warn().Str("node", id).Str("type", string(msg.Type())).Msg("unexpected message from worker")
		return nil
	}
}
