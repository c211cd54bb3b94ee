package handler

import (
	"log/slog"

	"github.com/cuongbtq/jobrouter/internal/dispatch"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/jobs"
	"github.com/cuongbtq/jobrouter/internal/ledger"
	"github.com/gin-gonic/gin"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Jobs   *jobs.Service
	Engine *dispatch.Engine
	Ledger *ledger.Coordinator
}

// JobHandler handles job, offer and action-token HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   *jobs.Service
	engine *dispatch.Engine
	ledger *ledger.Coordinator
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
		engine: deps.Engine,
		ledger: deps.Ledger,
	}
}

const actorKey = "jobrouter.actor"

// SetActor stores the authenticated actor on the request context
func SetActor(c *gin.Context, actor domain.Actor) {
	c.Set(actorKey, actor)
}

// ActorFrom returns the actor set by SetActor
func ActorFrom(c *gin.Context) (domain.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return domain.Actor{}, false
	}
	actor, ok := v.(domain.Actor)
	return actor, ok
}

// ParseRole validates a role header value
func ParseRole(s string) (domain.Role, bool) {
	switch r := domain.Role(s); r {
	case domain.RoleRouter, domain.RoleContractor, domain.RoleAdmin, domain.RoleCustomer:
		return r, true
	}
	return "", false
}
