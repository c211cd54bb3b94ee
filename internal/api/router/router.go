package router

import (
	"net/http"

	"github.com/cuongbtq/jobrouter/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes.
// A nil gatherer serves the default Prometheus registry.
func SetupRouter(deps *handler.Dependencies, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "jobrouter-api",
		})
	})

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")

	// Action-token routes: the token in the body is the credential
	v1.POST("/offers/respond", jobHandler.RespondToOffer)
	v1.POST("/jobs/:job_id/complete", jobHandler.ContractorComplete)
	v1.POST("/jobs/:job_id/review", jobHandler.CustomerReview)

	authed := v1.Group("", ActorMiddleware())
	{
		jobs := authed.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.DELETE("/:job_id", jobHandler.Archive)
			jobs.POST("/:job_id/transitions", jobHandler.Transition)
			jobs.GET("/:job_id/candidates", jobHandler.Candidates)
			jobs.POST("/:job_id/claim", jobHandler.Claim)
			jobs.POST("/:job_id/offers", jobHandler.CreateOffers)
			jobs.GET("/:job_id/offers", jobHandler.ListOffers)
			jobs.POST("/:job_id/assign", jobHandler.AssignDirect)
			jobs.POST("/:job_id/appointments", jobHandler.ProposeAppointment)
			jobs.POST("/:job_id/payout", jobHandler.SchedulePayout)
		}
	}

	return r
}
