package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fleetd/api/v1/agents"
	"fleetd/api/v1/certificates"
	"fleetd/api/v1/commands"
	"fleetd/api/v1/deployments"
	"fleetd/api/v1/middleware"
	"fleetd/internal/ca"
	"fleetd/internal/config"
	"fleetd/internal/httpx"
	"fleetd/internal/pki"
	"fleetd/internal/tasks"
)

// SetupRouter sets up the API v1 routes. rdb may be nil; the certificate
// lookup cache is then disabled.
func SetupRouter(r *gin.Engine, db *gorm.DB, rdb *redis.Client, cfg *config.Config) {
	logger := logrus.NewEntry(logrus.StandardLogger())

	issuer := pki.NewIssuer(cfg.CA.KeySize)
	caService := ca.NewService(db, rdb, issuer, logger)
	taskService := tasks.NewService(db, logger)

	agentsHandler := agents.NewHandler(db, caService, cfg, logger)
	deploymentsHandler := deployments.NewHandler(db, taskService, cfg.DeploymentDir, logger)
	commandsHandler := commands.NewHandler(db, taskService, logger)
	certificatesHandler := certificates.NewHandler(db, caService, logger)

	agentAuth := middleware.AgentAuthRequired(caService,
		middleware.NewThumbprintExtractors(cfg.AgentAuth), logger)

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		// Registration is anonymous: it is how an agent obtains the
		// certificate every other agent route requires.
		v1.POST("/agents/register", agentsHandler.Register)

		// Agent routes (client certificate required)
		agent := v1.Group("")
		agent.Use(agentAuth)
		{
			agent.POST("/agents/heartbeat", agentsHandler.Heartbeat)
			agent.POST("/agents/refresh-certificate", agentsHandler.RefreshCertificate)

			agent.GET("/deployments/pending", deploymentsHandler.GetPending)
			agent.POST("/deployments/:id/results", deploymentsHandler.UpdateResult)
			agent.GET("/deployments/files/:id", deploymentsHandler.DownloadFile)

			agent.GET("/commands/pending", commandsHandler.GetPending)
			agent.POST("/commands/:id/result", commandsHandler.UpdateResult)
		}

		// Operator routes (JWT required)
		operator := v1.Group("")
		operator.Use(middleware.AuthRequired())
		{
			operator.GET("/me", meHandler)

			agentsGroup := operator.Group("/agents")
			{
				agentsGroup.GET("", agentsHandler.List)
				agentsGroup.GET("/:id", agentsHandler.Get)
				agentsGroup.DELETE("/:id", agentsHandler.Delete)
				agentsGroup.GET("/:id/certificates", certificatesHandler.ListByAgent)
			}

			deploymentsGroup := operator.Group("/deployments")
			{
				deploymentsGroup.POST("", deploymentsHandler.Create)
				deploymentsGroup.GET("", deploymentsHandler.List)
				deploymentsGroup.GET("/:id", deploymentsHandler.Get)
				deploymentsGroup.GET("/:id/results", deploymentsHandler.Results)
			}

			commandsGroup := operator.Group("/commands")
			{
				commandsGroup.POST("/execute", commandsHandler.Execute)
				commandsGroup.GET("", commandsHandler.List)
				commandsGroup.GET("/:id", commandsHandler.Get)
			}

			operator.POST("/certificates/revoke", certificatesHandler.Revoke)
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns current operator information
func meHandler(c *gin.Context) {
	uid, _ := c.Get("uid")
	username, _ := c.Get("username")
	role, _ := c.Get("role")

	httpx.OK(c, gin.H{
		"uid":      uid,
		"username": username,
		"role":     role,
	})
}
