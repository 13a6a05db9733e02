package handlers

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perdisci/fluxbuster/db"
	"github.com/perdisci/fluxbuster/logging"
)

// Store is the read side of db.ClusterStore.
type Store interface {
	ListRuns(ctx context.Context, limit int) ([]db.Run, error)
	ListClusters(ctx context.Context, logDate time.Time) ([]db.ClusterRecord, error)
	GetCluster(ctx context.Context, runID uuid.UUID, clusterID uint32) (*db.ClusterRecord, error)
}

type Handler struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Handler {
	return &Handler{store: store, logger: logging.OrNop(logger)}
}

var logDatePattern = regexp.MustCompile(`^\d{8}$`)

func (h *Handler) ApiRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	runs, err := h.store.ListRuns(c.UserContext(), limit)
	if err != nil {
		return h.internal(c, "list runs", err)
	}
	if runs == nil {
		runs = []db.Run{}
	}
	return c.JSON(runs)
}

// ApiClusters lists the clusters of one log date, optionally narrowed to the
// ones containing a domain substring, one page at a time.
func (h *Handler) ApiClusters(c *fiber.Ctx) error {
	date := strings.TrimSpace(c.Query("date"))
	if !logDatePattern.MatchString(date) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "date must be yyyyMMdd"})
	}
	logDate, err := db.ParseLogDate(date)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	domain := strings.ToLower(strings.TrimSpace(c.Query("domain")))

	all, err := h.store.ListClusters(c.UserContext(), logDate)
	if err != nil {
		return h.internal(c, "list clusters", err)
	}

	results := []db.ClusterRecord{}
	for _, r := range all {
		if domain == "" || containsDomain(r.Domains, domain) {
			results = append(results, r)
		}
	}
	total := len(results)
	offset := min((page-1)*limit, total)
	end := min(offset+limit, total)

	return c.JSON(fiber.Map{
		"data":  results[offset:end],
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (h *Handler) ApiCluster(c *fiber.Ctx) error {
	runID, err := uuid.Parse(c.Params("run"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid run id"})
	}
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid cluster id"})
	}

	r, err := h.store.GetCluster(c.UserContext(), runID, uint32(id))
	if errors.Is(err, db.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cluster not found"})
	}
	if err != nil {
		return h.internal(c, "get cluster", err)
	}
	return c.JSON(r)
}

func (h *Handler) internal(c *fiber.Ctx, op string, err error) error {
	h.logger.Error("dashboard query failed", zap.String("op", op), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": op + " failed"})
}

func containsDomain(domains []string, sub string) bool {
	for _, d := range domains {
		if strings.Contains(d, sub) {
			return true
		}
	}
	return false
}
