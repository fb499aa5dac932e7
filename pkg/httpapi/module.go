package httpapi

import (
	"net/http"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/health"
	"github.com/TroodieTeam/troodie-sub002/pkg/metrics"
	"github.com/TroodieTeam/troodie-sub002/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewEngine,
		fx.Annotate(func(e *gin.Engine) http.Handler { return e }),
	),
	fx.Invoke(RegisterRoutes),
)

// Route is implemented by service handlers that expose HTTP endpoints.
type Route interface {
	Register(r gin.IRouter)
}

// AsRoute tags a handler constructor so its result joins the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

type EngineParams struct {
	fx.In
	Config         *config.Config
	TracerProvider trace.TracerProvider `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	e := gin.New()
	handlers := []gin.HandlerFunc{gin.Recovery()}
	if p.TracerProvider != nil {
		handlers = append(handlers, otelgin.Middleware(p.Config.AppName, otelgin.WithTracerProvider(p.TracerProvider)))
	}
	handlers = append(handlers,
		middleware.RequestID(),
		middleware.Logger(),
		middleware.Actor(),
		middleware.Error(),
	)
	e.Use(handlers...)
	return e
}

type RoutesParams struct {
	fx.In
	Engine *gin.Engine
	Health health.HealthService
	Routes []Route `group:"routes"`
}

func RegisterRoutes(p RoutesParams) {
	p.Engine.GET("/healthz", p.Health.Liveness)
	p.Engine.GET("/readyz", p.Health.Readiness)
	p.Engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := p.Engine.Group("/v1")
	for _, r := range p.Routes {
		r.Register(v1)
	}
}
