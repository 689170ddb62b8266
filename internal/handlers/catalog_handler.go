package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	internalaws "github.com/partstream/catalog-sync/internal/aws"
	"github.com/partstream/catalog-sync/internal/catalog"
	"github.com/partstream/catalog-sync/internal/freshness"
	"github.com/partstream/catalog-sync/internal/outbox"
	"github.com/partstream/catalog-sync/internal/validation"
)

// HandlerConfig groups dependencies for the catalog read API.
type HandlerConfig struct {
	DynamoDBClient internalaws.DynamoDBAPI
	SQSClient      internalaws.SQSAPI
	OutboxTable    string
	Tables         catalog.Tables
	QueueURL       string
}

type catalogAPI struct {
	catalog   *catalog.Store
	jobs      *outbox.Store
	publisher *internalaws.Publisher
	validate  *validatorv10.Validate
	nowFunc   func() time.Time
}

// RegisterCatalogRoutes registers the read API and the ad-hoc refresh route.
func RegisterCatalogRoutes(r *gin.Engine, cfg HandlerConfig) {
	api := &catalogAPI{
		catalog:   catalog.NewStore(cfg.DynamoDBClient, cfg.Tables),
		jobs:      outbox.NewStore(cfg.DynamoDBClient, cfg.OutboxTable),
		publisher: internalaws.NewPublisher(cfg.SQSClient, cfg.QueueURL),
		validate:  validation.New(),
		nowFunc:   time.Now,
	}

	r.GET("/parts/:no", api.getPart)
	r.GET("/parts/:no/colors", api.getPartColors)
	r.GET("/parts/:no/prices", api.getPartPrices)
	r.GET("/colors/:id", api.getColor)
	r.GET("/categories/:id", api.getCategory)
	r.POST("/refresh", api.postRefresh)
}

// requestRefresh enqueues a refresh job and, for misses the caller is
// actively waiting on, kicks the worker over SQS. Failures are logged and
// swallowed: a read must never break because the refresh side is down.
func (a *catalogAPI) requestRefresh(ctx context.Context, kind outbox.ResourceKind, primaryKey, secondaryKey, correlationID string, lastKnown int64, kick bool) {
	// misses and expired rows outrank background staleness refreshes
	priority := 0
	if kick {
		priority = 1
	}
	job, created, err := a.jobs.Enqueue(ctx, kind, primaryKey, secondaryKey, priority, lastKnown)
	if err != nil {
		log.Printf("[api] enqueue refresh kind=%s key=%s: %v", kind, primaryKey, err)
		return
	}
	if !created || !kick {
		return
	}
	msg := internalaws.RefreshMessage{
		JobID:         job.ID,
		ResourceKind:  string(kind),
		PrimaryKey:    primaryKey,
		SecondaryKey:  secondaryKey,
		CorrelationID: correlationID,
	}
	if err := a.publisher.SendRefreshMessage(ctx, msg); err != nil {
		// the periodic sweep picks the job up anyway
		log.Printf("[api] refresh kick kind=%s key=%s: %v", kind, primaryKey, err)
	}
}

func (a *catalogAPI) getPart(c *gin.Context) {
	ctx := c.Request.Context()
	partNo := c.Param("no")
	corr := c.GetHeader("X-Request-Id")

	part, err := a.catalog.GetPart(ctx, partNo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
		return
	}
	if part == nil {
		a.requestRefresh(ctx, outbox.KindPart, partNo, "", corr, 0, true)
		c.JSON(http.StatusAccepted, gin.H{"status": "refreshing", "part_no": partNo})
		return
	}

	level := freshness.ClassifyMillis(part.LastUpdated, a.nowFunc().UnixMilli())
	if freshness.NeedsRefresh(level) {
		a.requestRefresh(ctx, outbox.KindPart, partNo, "", corr, part.LastUpdated, level == freshness.Expired)
	}
	c.JSON(http.StatusOK, gin.H{"part": part, "freshness": level})
}

func (a *catalogAPI) getPartColors(c *gin.Context) {
	ctx := c.Request.Context()
	partNo := c.Param("no")
	corr := c.GetHeader("X-Request-Id")

	part, err := a.catalog.GetPart(ctx, partNo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
		return
	}
	if part == nil {
		a.requestRefresh(ctx, outbox.KindPartColors, partNo, "", corr, 0, true)
		c.JSON(http.StatusAccepted, gin.H{"status": "refreshing", "part_no": partNo})
		return
	}

	level := freshness.ClassifyMillis(part.LastUpdated, a.nowFunc().UnixMilli())
	if freshness.NeedsRefresh(level) {
		a.requestRefresh(ctx, outbox.KindPartColors, partNo, "", corr, part.LastUpdated, level == freshness.Expired)
	}
	c.JSON(http.StatusOK, gin.H{
		"part_no":   partNo,
		"color_ids": part.AvailableColorIDs,
		"freshness": level,
	})
}

func (a *catalogAPI) getPartPrices(c *gin.Context) {
	ctx := c.Request.Context()
	partNo := c.Param("no")
	corr := c.GetHeader("X-Request-Id")

	var q validation.PriceQuery
	if err := validation.BindQueryAndValidate(c, &q, a.validate); err != nil {
		return
	}

	price, err := a.catalog.GetPrice(ctx, partNo, q.ColorID, q.Condition, q.GuideType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
		return
	}

	secondary := fmt.Sprintf("%d#%s#%s", q.ColorID, q.Condition, q.GuideType)
	if price == nil {
		a.requestRefresh(ctx, outbox.KindPartPrices, partNo, secondary, corr, 0, true)
		c.JSON(http.StatusAccepted, gin.H{"status": "refreshing", "part_no": partNo})
		return
	}

	level := freshness.ClassifyMillis(price.LastUpdated, a.nowFunc().UnixMilli())
	if freshness.NeedsRefresh(level) {
		a.requestRefresh(ctx, outbox.KindPartPrices, partNo, secondary, corr, price.LastUpdated, level == freshness.Expired)
	}
	c.JSON(http.StatusOK, gin.H{"price": price, "freshness": level})
}

func (a *catalogAPI) getColor(c *gin.Context) {
	ctx := c.Request.Context()
	corr := c.GetHeader("X-Request-Id")

	colorID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_color_id"})
		return
	}

	color, err := a.catalog.GetColor(ctx, colorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
		return
	}
	if color == nil {
		a.requestRefresh(ctx, outbox.KindColor, strconv.Itoa(colorID), "", corr, 0, true)
		c.JSON(http.StatusAccepted, gin.H{"status": "refreshing", "color_id": colorID})
		return
	}

	level := freshness.ClassifyMillis(color.LastUpdated, a.nowFunc().UnixMilli())
	if freshness.NeedsRefresh(level) {
		a.requestRefresh(ctx, outbox.KindColor, strconv.Itoa(colorID), "", corr, color.LastUpdated, level == freshness.Expired)
	}
	c.JSON(http.StatusOK, gin.H{"color": color, "freshness": level})
}

func (a *catalogAPI) getCategory(c *gin.Context) {
	ctx := c.Request.Context()
	corr := c.GetHeader("X-Request-Id")

	categoryID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category_id"})
		return
	}

	category, err := a.catalog.GetCategory(ctx, categoryID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
		return
	}
	if category == nil {
		a.requestRefresh(ctx, outbox.KindCategory, strconv.Itoa(categoryID), "", corr, 0, true)
		c.JSON(http.StatusAccepted, gin.H{"status": "refreshing", "category_id": categoryID})
		return
	}

	level := freshness.ClassifyMillis(category.LastUpdated, a.nowFunc().UnixMilli())
	if freshness.NeedsRefresh(level) {
		a.requestRefresh(ctx, outbox.KindCategory, strconv.Itoa(categoryID), "", corr, category.LastUpdated, level == freshness.Expired)
	}
	c.JSON(http.StatusOK, gin.H{"category": category, "freshness": level})
}

func (a *catalogAPI) postRefresh(c *gin.Context) {
	ctx := c.Request.Context()
	corr := c.GetHeader("X-Request-Id")

	var req validation.RefreshRequest
	if err := validation.BindAndValidate(c, &req, a.validate); err != nil {
		return
	}

	secondary := ""
	if req.ResourceKind == string(outbox.KindPartPrices) {
		secondary = fmt.Sprintf("%d#%s#%s", *req.ColorID, req.Condition, req.GuideType)
	}

	job, created, err := a.jobs.Enqueue(ctx, outbox.ResourceKind(req.ResourceKind), req.PrimaryKey, secondary, req.Priority, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed", "detail": err.Error()})
		return
	}
	if created {
		msg := internalaws.RefreshMessage{
			JobID:         job.ID,
			ResourceKind:  req.ResourceKind,
			PrimaryKey:    req.PrimaryKey,
			SecondaryKey:  secondary,
			CorrelationID: corr,
		}
		if err := a.publisher.SendRefreshMessage(ctx, msg); err != nil {
			log.Printf("[api] refresh kick kind=%s key=%s: %v", req.ResourceKind, req.PrimaryKey, err)
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   job.ID,
		"status":   job.Status,
		"existing": !created,
	})
}
