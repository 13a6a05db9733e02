package handlers

import (
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/template/html/v2"

	"github.com/perdisci/fluxbuster/metrics"
)

//go:embed views/*.html
var viewFS embed.FS

// Engine returns the template engine over the embedded views.
func Engine() *html.Engine {
	sub, err := fs.Sub(viewFS, "views")
	if err != nil {
		panic(err)
	}
	return html.NewFileSystem(http.FS(sub), ".html")
}

func (h *Handler) Dashboard(c *fiber.Ctx) error {
	runs, err := h.store.ListRuns(c.UserContext(), 50)
	if err != nil {
		return h.internal(c, "list runs", err)
	}
	return c.Render("index", fiber.Map{
		"Title": "Fluxbuster Clusters",
		"Runs":  runs,
	})
}

// AppConfig holds the dashboard wiring that does not come from the store.
type AppConfig struct {
	User    string
	Pass    string
	Metrics *metrics.Collector
}

// NewApp builds the dashboard app. Basic auth is enabled when both User and
// Pass are set. With Metrics set, every request is counted and /metrics
// serves the collector.
func NewApp(h *Handler, cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		Views:                 Engine(),
		DisableStartupMessage: true,
	})

	if cfg.Metrics != nil {
		app.Use(countRequests(cfg.Metrics))
	}
	app.Use(cors.New())
	if cfg.User != "" && cfg.Pass != "" {
		app.Use(basicauth.New(basicauth.Config{
			Users: map[string]string{
				cfg.User: cfg.Pass,
			},
			Realm: "Fluxbuster",
		}))
	}

	app.Get("/", h.Dashboard)
	app.Get("/api/runs", h.ApiRuns)
	app.Get("/api/clusters", h.ApiClusters)
	app.Get("/api/clusters/:run/:id", h.ApiCluster)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}
	return app
}

func countRequests(m *metrics.Collector) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		m.HTTPRequests.WithLabelValues(c.Route().Path, strconv.Itoa(status)).Inc()
		return err
	}
}
