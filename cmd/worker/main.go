package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	internalaws "github.com/partstream/catalog-sync/internal/aws"
	"github.com/partstream/catalog-sync/internal/catalog"
	"github.com/partstream/catalog-sync/internal/marketclient"
	"github.com/partstream/catalog-sync/internal/outbox"
	"github.com/partstream/catalog-sync/internal/quota"
	"github.com/partstream/catalog-sync/internal/signing"
	"github.com/partstream/catalog-sync/internal/snapshot"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[worker] invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}

// quotaProfile holds the two sliding-window budgets: the provider-wide
// allowance and the per-caller allowance, each with its own window.
type quotaProfile struct {
	providerCapacity int
	providerWindow   time.Duration
	callerCapacity   int
	callerWindow     time.Duration
}

func loadQuotaProfile() quotaProfile {
	return quotaProfile{
		providerCapacity: envInt("PROVIDER_QUOTA_CAPACITY", 5000),
		providerWindow:   time.Duration(envInt("QUOTA_WINDOW_SECONDS", 86400)) * time.Second,
		callerCapacity:   envInt("CALLER_QUOTA_CAPACITY", 100),
		callerWindow:     time.Duration(envInt("CALLER_QUOTA_WINDOW_SECONDS", 3600)) * time.Second,
	}
}

func buildProcessor(ctx context.Context) (*Processor, error) {
	clients, err := internalaws.NewAWSClients(ctx)
	if err != nil {
		return nil, err
	}

	metrics := internalaws.NewMetrics(clients.CloudWatch, envOr("METRICS_NAMESPACE", "CatalogSync"))

	jobs := outbox.NewStore(clients.DynamoDB, envOr("OUTBOX_TABLE", "refresh-outbox"))
	cat := catalog.NewStore(clients.DynamoDB, catalog.Tables{
		Parts:      envOr("PARTS_TABLE", "catalog-parts"),
		Colors:     envOr("COLORS_TABLE", "catalog-colors"),
		Categories: envOr("CATEGORIES_TABLE", "catalog-categories"),
		Prices:     envOr("PRICES_TABLE", "catalog-prices"),
	})

	quotaTable := envOr("QUOTA_TABLE", "quota-windows")
	profile := loadQuotaProfile()
	provider := quota.NewTracker(clients.DynamoDB, quotaTable, profile.providerCapacity, profile.providerWindow, metrics)
	caller := quota.NewTracker(clients.DynamoDB, quotaTable, profile.callerCapacity, profile.callerWindow, metrics)
	gate := quota.NewGate(provider, caller, envOr("PROVIDER_IDENTITY", "marketplace"))

	signer := signing.NewSigner(signing.Credentials{
		ConsumerKey:    os.Getenv("MARKETPLACE_CONSUMER_KEY"),
		ConsumerSecret: os.Getenv("MARKETPLACE_CONSUMER_SECRET"),
		Token:          os.Getenv("MARKETPLACE_TOKEN"),
		TokenSecret:    os.Getenv("MARKETPLACE_TOKEN_SECRET"),
	})

	httpClient := &http.Client{Timeout: 30 * time.Second}
	client := marketclient.NewClient(httpClient, envOr("MARKETPLACE_BASE_URL", "https://api.bricklink.com/api/store/v1"),
		signer, gate, envOr("CALLER_IDENTITY", "catalog-sync"))

	return NewProcessor(jobs, cat, snapshot.NewAggregator(client), metrics), nil
}

// handle dispatches on event shape: SQS batches carry Records, anything else
// (EventBridge schedule, manual invoke) runs a sweep.
func handle(p *Processor) func(ctx context.Context, raw json.RawMessage) error {
	return func(ctx context.Context, raw json.RawMessage) error {
		var probe struct {
			Records []json.RawMessage `json:"Records"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && len(probe.Records) > 0 {
			var ev events.SQSEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return err
			}
			return p.HandleSQS(ctx, ev)
		}
		return p.Sweep(ctx)
	}
}

func main() {
	ctx := context.Background()
	p, err := buildProcessor(ctx)
	if err != nil {
		log.Fatalf("[worker] startup: %v", err)
	}

	if os.Getenv("RUN_LOCAL") == "true" {
		// one sweep, then exit
		if err := p.Sweep(ctx); err != nil {
			log.Fatalf("[worker] local sweep: %v", err)
		}
		return
	}

	lambda.Start(handle(p))
}
