package api

import (
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// registerValidations installs custom binding validators on gin's
// validator engine.
func registerValidations() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			return currencyPattern.MatchString(fl.Field().String())
		})
	}
}

// RouterConfig sizes the HTTP surface.
type RouterConfig struct {
	RateLimitPerTenant float64
	RateLimitBurst     int
}

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(h *Handlers, registry *prometheus.Registry, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	if cfg.RateLimitPerTenant <= 0 {
		cfg.RateLimitPerTenant = 100
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 200
	}

	registerValidations()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.Use(RequireTenant())
	v1.Use(RateLimitMiddleware(cfg.RateLimitPerTenant, cfg.RateLimitBurst))
	{
		v1.POST("/payments", h.SubmitPayment)
		v1.GET("/payments/:txref", h.GetPayment)

		v1.POST("/clearing/:system/messages", h.IngestClearingMessage)

		v1.GET("/repairs", h.ListRepairs)
		v1.GET("/repairs/:id", h.GetRepair)
		v1.POST("/repairs/:id/actions", h.ApplyRepairAction)
		v1.POST("/repairs/:id/resolve", h.ResolveRepair)

		v1.GET("/queue/:id", h.GetQueuedMessage)
		v1.POST("/queue/:id/cancel", h.CancelQueuedMessage)
	}

	return r
}
