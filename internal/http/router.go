package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/config"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/http/handler"
	httpmiddleware "github.com/AgenciaKoraflow/project-dea-naturals/internal/http/middleware"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, credentialHandler *handler.CredentialHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	api := r.Group("/api")
	{
		api.GET("/health", credentialHandler.Health)

		meli := api.Group("/mercadolibre")
		{
			meli.POST("/credentials", credentialHandler.CreateCredentials)
			meli.GET("/credentials", credentialHandler.GetCredentials)
			meli.PATCH("/credentials/active", credentialHandler.SetActive)
			meli.GET("/auth-url", credentialHandler.AuthorizationURL)
			meli.POST("/test-connection", credentialHandler.TestConnection)
			meli.POST("/refresh", credentialHandler.Refresh)
			meli.GET("/status", credentialHandler.Status)
			meli.GET("/me", credentialHandler.Me)
			meli.GET("/orders", credentialHandler.Orders)
		}
	}

	return r
}
