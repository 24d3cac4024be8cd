package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/echochat/echochat/internal/config"
	"github.com/echochat/echochat/internal/presence"
	"github.com/echochat/echochat/internal/signal"
	"github.com/echochat/echochat/internal/turn"
)

// Handlers owns the HTTP surface and the server-side call coordinator.
type Handlers struct {
	cfg        *config.Config
	db         *gorm.DB
	calls      *CallStore
	registry   *presence.Registry
	turnServer *turn.TURNServer
	// pending correlates relayed events with acks coming back from any
	// connection; it is the server half of the shared pending-request
	// table abstraction.
	pending    *signal.PendingTable
	wsUpgrader websocket.Upgrader
	nowFn      func() time.Time
	logger     *slog.Logger
}

func New(cfg *config.Config, db *gorm.DB, registry *presence.Registry, turnServer *turn.TURNServer, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		cfg:        cfg,
		db:         db,
		calls:      NewCallStore(db),
		registry:   registry,
		turnServer: turnServer,
		pending:    signal.NewPendingTable(),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		nowFn:  time.Now,
		logger: logger,
	}
}
