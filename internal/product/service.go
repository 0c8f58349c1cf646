package product

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.docrelay.tech/internal/common/metrics"
	"go.docrelay.tech/internal/task"
)

// Config holds the product service configuration
type Config struct {
	// PromptTemplate is the classification prompt, with a %s verb for
	// the product JSON
	PromptTemplate string

	// NotFoundMarker is the exact model answer meaning "no code". A
	// result equal to it enriches the product with a null code.
	NotFoundMarker string

	// TTL follows the task schedule: Pending while the batch is live,
	// Completed once it is terminal
	TTL task.TTLSchedule
}

// Service creates product batches and derives their status from the
// member tasks.
type Service struct {
	client redis.UniversalClient
	tasks  *task.Store
	config Config
	logger *slog.Logger
}

// NewService creates a product service.
func NewService(client redis.UniversalClient, tasks *task.Store, config Config) *Service {
	if config.PromptTemplate == "" {
		config.PromptTemplate = "%s"
	}
	if config.TTL.Pending <= 0 {
		config.TTL = task.DefaultTTLSchedule()
	}
	return &Service{
		client: client,
		tasks:  tasks,
		config: config,
		logger: slog.Default().With("component", "product-service"),
	}
}

// CreateBatch records a batch and creates one task per product. The
// dispatcher picks the tasks up like any others; nothing here blocks on
// the remote API.
func (s *Service) CreateBatch(ctx context.Context, products []json.RawMessage) (*Batch, error) {
	batchID := "product_batch_" + uuid.NewString()
	now := time.Now().UTC()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, batchKey(batchID), map[string]interface{}{
			"status":          string(StatusPending),
			"created_at":      now.Unix(),
			"updated_at":      now.Unix(),
			"product_count":   len(products),
			"processed_count": 0,
			"completed":       "false",
		})
		pipe.ZAdd(ctx, activeBatchesKey, redis.Z{Score: float64(now.Unix()), Member: batchID})
		pipe.Expire(ctx, batchKey(batchID), s.config.TTL.Pending)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create product batch: %w", err)
	}

	added := 0
	for _, raw := range products {
		productID := extractProductID(raw)

		if err := s.addProduct(ctx, batchID, productID, raw); err != nil {
			s.logger.Error("failed to add product to batch",
				"batchId", batchID,
				"productId", productID,
				"error", err)
			s.client.HSet(ctx, batchKey(batchID), "error:"+productID, err.Error())
			continue
		}
		added++
	}

	// A batch with no member task can never progress, so it goes
	// terminal right away
	if added == 0 {
		reason := "no product could be added to the batch"
		if err := s.failBatch(ctx, batchID, reason); err != nil {
			return nil, err
		}
		return &Batch{
			ID:           batchID,
			Status:       StatusFailed,
			ProductCount: len(products),
			Error:        reason,
			CreatedAt:    now,
			UpdatedAt:    time.Now().UTC(),
		}, nil
	}

	s.logger.Info("product batch created", "batchId", batchID, "productCount", len(products))

	return &Batch{
		ID:           batchID,
		Status:       StatusPending,
		ProductCount: len(products),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// addProduct stores the product blob and creates its task.
func (s *Service) addProduct(ctx context.Context, batchID, productID string, raw json.RawMessage) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, productKey(batchID, productID), string(raw), s.config.TTL.Pending)
		pipe.SAdd(ctx, productsSetKey(batchID), productID)
		pipe.Expire(ctx, productsSetKey(batchID), s.config.TTL.Pending)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store product %s: %w", productID, err)
	}

	created, err := s.tasks.Create(ctx, task.CreateParams{
		DocumentID: productID,
		Prompt:     fmt.Sprintf(s.config.PromptTemplate, string(raw)),
	})
	if err != nil {
		return fmt.Errorf("create task for product %s: %w", productID, err)
	}
	metrics.TasksCreated.WithLabelValues("product").Inc()

	// Task ids live in the batch hash so status derivation never has to
	// disambiguate product ids reused across batches
	if err := s.client.HSet(ctx, batchKey(batchID), "task:"+productID, created.ID).Err(); err != nil {
		return fmt.Errorf("index task for product %s: %w", productID, err)
	}
	return nil
}

// failBatch marks a batch whose setup produced no member task.
func (s *Service) failBatch(ctx context.Context, batchID, reason string) error {
	now := time.Now().UTC()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, batchKey(batchID), map[string]interface{}{
			"status":     string(StatusFailed),
			"error":      reason,
			"updated_at": now.Unix(),
		})
		pipe.ZRem(ctx, activeBatchesKey, batchID)
		pipe.ZAdd(ctx, failedBatchesKey, redis.Z{Score: float64(now.Unix()), Member: batchID})
		pipe.Expire(ctx, batchKey(batchID), s.config.TTL.Failed)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail product batch %s: %w", batchID, err)
	}

	s.logger.Error("product batch failed", "batchId", batchID, "reason", reason)
	return nil
}

// Status returns the batch snapshot. Progress is derived from the
// member tasks on every read; the read that observes the last member
// finishing finalizes the batch.
func (s *Service) Status(ctx context.Context, batchID string, includeProducts bool) (*Batch, error) {
	fields, err := s.client.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get product batch %s: %w", batchID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	batch := batchFromHash(batchID, fields)

	if !batch.IsTerminal() {
		if err := s.derive(ctx, batch, fields); err != nil {
			return nil, err
		}
	}

	if includeProducts && batch.IsTerminal() {
		products, err := s.loadProducts(ctx, batchID)
		if err != nil {
			return nil, err
		}
		batch.Products = products
	}

	return batch, nil
}

// derive refreshes processed_count and status from the member tasks and
// enriches finished products with their result.
func (s *Service) derive(ctx context.Context, batch *Batch, fields map[string]string) error {
	memberIDs, err := s.client.SMembers(ctx, productsSetKey(batch.ID)).Result()
	if err != nil {
		return fmt.Errorf("get products of batch %s: %w", batch.ID, err)
	}
	if len(memberIDs) == 0 {
		return nil
	}

	processed := 0
	active := false
	for _, productID := range memberIDs {
		taskID := fields["task:"+productID]
		if taskID == "" {
			// The product never got a task, counts as processed
			processed++
			continue
		}

		t, err := s.tasks.Get(ctx, taskID, false)
		if err != nil {
			// Task hash expired before the batch was read
			processed++
			continue
		}

		if t.State != task.StatePending {
			active = true
		}
		if !t.IsTerminal() {
			continue
		}
		processed++

		switch t.State {
		case task.StateCompleted:
			if err := s.enrichProduct(ctx, batch.ID, productID, t.Result); err != nil {
				s.logger.Warn("failed to enrich product",
					"batchId", batch.ID,
					"productId", productID,
					"error", err)
			}
		case task.StateFailed:
			s.client.HSet(ctx, batchKey(batch.ID), "error:"+productID, t.Error)
		}
	}

	batch.ProcessedCount = processed
	switch {
	case processed == len(memberIDs):
		return s.finalize(ctx, batch)
	case processed > 0 || active:
		batch.Status = StatusProcessing
		s.client.HSet(ctx, batchKey(batch.ID), map[string]interface{}{
			"status":          string(StatusProcessing),
			"processed_count": processed,
			"updated_at":      time.Now().UTC().Unix(),
		})
	}
	return nil
}

// enrichProduct patches the stored blob with the classification result.
// A result equal to the not-found marker becomes an explicit null.
func (s *Service) enrichProduct(ctx context.Context, batchID, productID, result string) error {
	raw, err := s.client.Get(ctx, productKey(batchID, productID)).Result()
	if err != nil {
		return err
	}

	var blob map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return fmt.Errorf("product blob is not an object: %w", err)
	}

	if s.config.NotFoundMarker != "" && result == s.config.NotFoundMarker {
		blob["ktru_code"] = nil
	} else {
		blob["ktru_code"] = result
	}

	patched, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, productKey(batchID, productID), patched, redis.KeepTTL).Err()
}

// finalize moves the batch to completed and extends retention.
func (s *Service) finalize(ctx context.Context, batch *Batch) error {
	now := time.Now().UTC()
	memberIDs, err := s.client.SMembers(ctx, productsSetKey(batch.ID)).Result()
	if err != nil {
		return fmt.Errorf("get products of batch %s: %w", batch.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, batchKey(batch.ID), map[string]interface{}{
			"status":          string(StatusCompleted),
			"completed":       "true",
			"processed_count": batch.ProcessedCount,
			"updated_at":      now.Unix(),
		})
		pipe.ZRem(ctx, activeBatchesKey, batch.ID)
		pipe.ZAdd(ctx, completedBatchesKey, redis.Z{Score: float64(now.Unix()), Member: batch.ID})
		pipe.Expire(ctx, batchKey(batch.ID), s.config.TTL.Completed)
		pipe.Expire(ctx, productsSetKey(batch.ID), s.config.TTL.Completed)
		for _, productID := range memberIDs {
			pipe.Expire(ctx, productKey(batch.ID, productID), s.config.TTL.Completed)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize product batch %s: %w", batch.ID, err)
	}

	batch.Status = StatusCompleted
	batch.Completed = true
	batch.UpdatedAt = now
	s.logger.Info("product batch completed",
		"batchId", batch.ID,
		"processedCount", batch.ProcessedCount)
	return nil
}

// loadProducts reads the (possibly enriched) product blobs.
func (s *Service) loadProducts(ctx context.Context, batchID string) ([]json.RawMessage, error) {
	memberIDs, err := s.client.SMembers(ctx, productsSetKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get products of batch %s: %w", batchID, err)
	}

	products := make([]json.RawMessage, 0, len(memberIDs))
	for _, productID := range memberIDs {
		raw, err := s.client.Get(ctx, productKey(batchID, productID)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get product %s: %w", productID, err)
		}
		products = append(products, json.RawMessage(raw))
	}
	return products, nil
}

// extractProductID picks the product's own id when it carries one in
// Mongo export form, and generates one otherwise.
func extractProductID(raw json.RawMessage) string {
	var probe struct {
		MongoID struct {
			OID string `json:"$oid"`
		} `json:"mongo_id"`
		LegacyID struct {
			OID string `json:"$oid"`
		} `json:"_id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil {
		if probe.MongoID.OID != "" {
			return probe.MongoID.OID
		}
		if probe.LegacyID.OID != "" {
			return probe.LegacyID.OID
		}
	}
	return "product_" + uuid.NewString()
}

// batchFromHash rebuilds a batch snapshot from its Redis hash.
func batchFromHash(batchID string, fields map[string]string) *Batch {
	b := &Batch{
		ID:        batchID,
		Status:    Status(fields["status"]),
		Completed: fields["completed"] == "true",
		Error:     fields["error"],
	}
	b.ProductCount, _ = strconv.Atoi(fields["product_count"])
	b.ProcessedCount, _ = strconv.Atoi(fields["processed_count"])
	if v, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		b.CreatedAt = time.Unix(v, 0).UTC()
	}
	if v, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		b.UpdatedAt = time.Unix(v, 0).UTC()
	}
	return b
}
