package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
	"github.com/i474232898/air-quality-connectors/internal/store"
)

var validate = validator.New()

// Service is what the handlers need from airquality.Service.
type Service interface {
	Scrape(ctx context.Context, c airquality.Connector, opts airquality.ScrapeOptions) (airquality.CycleReport, error)
	GetLatest(connector string) (airquality.CycleReport, error)
	GetRange(connector string, from, to time.Time) ([]airquality.CycleReport, error)
}

// Options tune the registered routes.
type Options struct {
	// DryRun is the default for connector triggers without ?dry_run.
	DryRun bool

	// CycleTimeout bounds a triggered cycle.
	CycleTimeout time.Duration

	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service Service, connectors []airquality.Connector, opts Options) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "air-quality-connectors",
		})
	})

	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	known := make(map[string]bool, len(connectors))
	for _, conn := range connectors {
		known[conn.Name] = true
		app.Get(conn.Path, triggerHandler(service, conn, opts))
	}

	v1 := app.Group("/api/v1")

	v1.Get("/reports/latest", func(c *fiber.Ctx) error {
		q := connectorQuery{Connector: c.Query("connector")}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if !known[q.Connector] {
			return fiber.NewError(fiber.StatusNotFound, "unknown connector")
		}

		report, err := service.GetLatest(q.Connector)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no cycle report for requested connector")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch cycle report")
		}

		return c.JSON(report)
	})

	v1.Get("/reports/history", func(c *fiber.Ctx) error {
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if !known[req.Connector.Connector] {
			return fiber.NewError(fiber.StatusNotFound, "unknown connector")
		}

		reports, err := service.GetRange(req.Connector.Connector, req.From, req.To)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no cycle reports for requested range")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch cycle reports")
		}

		return c.JSON(fiber.Map{
			"connector": req.Connector.Connector,
			"from":      req.From,
			"to":        req.To,
			"reports":   reports,
		})
	})
}

// triggerHandler runs one cycle and answers with its report. A cycle that
// failed without producing any entry is reported as 502.
func triggerHandler(service Service, conn airquality.Connector, opts Options) fiber.Handler {
	return func(c *fiber.Ctx) error {
		dryRun := opts.DryRun
		if v := c.Query("dry_run"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "dry_run must be a boolean")
			}
			dryRun = b
		}

		ctx := c.UserContext()
		if opts.CycleTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.CycleTimeout)
			defer cancel()
		}

		report, err := service.Scrape(ctx, conn, airquality.ScrapeOptions{DryRun: dryRun})
		if err != nil && len(report.Entries) == 0 {
			return c.Status(fiber.StatusBadGateway).JSON(report)
		}
		return c.JSON(report)
	}
}

// connectorQuery identifies a connector.
type connectorQuery struct {
	Connector string `validate:"required"`
}

// historyQuery holds query parameters for the history endpoint.
type historyQuery struct {
	Connector connectorQuery
	From      time.Time `validate:"required"`
	To        time.Time `validate:"required,gtefield=From"`
}

func (h *historyQuery) bind(c *fiber.Ctx) error {
	h.Connector = connectorQuery{Connector: c.Query("connector")}
	if err := validate.Struct(h.Connector); err != nil {
		return err
	}

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	h.From = from
	h.To = to
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
