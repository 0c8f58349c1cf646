// Package anthropic adapts the Anthropic Message Batches API to the
// remote.BatchClient interface. Each task is submitted as a
// single-request batch with the task's document id as the custom_id.
package anthropic

import (
	"errors"
	"strings"

	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/jsonl"

	"go.docrelay.tech/internal/remote"
)

// Config holds the Anthropic API settings.
type Config struct {
	// APIKey authenticates against the API
	APIKey string

	// Model is the model name submitted with every request
	Model string

	// MaxTokens bounds the response length
	MaxTokens int64

	// BaseURL overrides the API endpoint, used in tests
	BaseURL string
}

// Client implements remote.BatchClient on the Anthropic SDK.
type Client struct {
	api       sdk.Client
	model     sdk.Model
	maxTokens int64
}

// NewClient builds a batch client. Extra request options are appended
// after the config-derived ones.
func NewClient(cfg Config, opts ...option.RequestOption) *Client {
	requestOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(cfg.BaseURL))
	}
	requestOpts = append(requestOpts, opts...)

	return &Client{
		api:       sdk.NewClient(requestOpts...),
		model:     sdk.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
	}
}

// CreateBatch submits one prompt as a single-request batch. Temperature
// is pinned to zero so repeated attempts of the same task classify
// deterministically.
func (c *Client) CreateBatch(ctx context.Context, customID, prompt string) (*remote.BatchHandle, error) {
	batch, err := c.api.Messages.Batches.New(ctx, sdk.MessageBatchNewParams{
		Requests: []sdk.MessageBatchNewParamsRequest{{
			CustomID: customID,
			Params: sdk.MessageBatchNewParamsRequestParams{
				Model:       c.model,
				MaxTokens:   c.maxTokens,
				Temperature: sdk.Float(0.0),
				Messages: []sdk.MessageParam{
					sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
				},
			},
		}},
	})
	if err != nil {
		return nil, classify("create batch", err)
	}

	return &remote.BatchHandle{
		BatchID:          batch.ID,
		ProcessingStatus: string(batch.ProcessingStatus),
		CreatedAt:        batch.CreatedAt,
		ExpiresAt:        batch.ExpiresAt,
	}, nil
}

// BatchStatus reports the batch's processing state and wall time.
func (c *Client) BatchStatus(ctx context.Context, batchID string) (*remote.BatchStatus, error) {
	batch, err := c.api.Messages.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, classify("batch status", err)
	}

	status := &remote.BatchStatus{
		BatchID:    batch.ID,
		Status:     string(batch.ProcessingStatus),
		CreatedAt:  batch.CreatedAt,
		EndedAt:    batch.EndedAt,
		ResultsURL: batch.ResultsURL,
		Counts: remote.RequestCounts{
			Processing: batch.RequestCounts.Processing,
			Succeeded:  batch.RequestCounts.Succeeded,
			Errored:    batch.RequestCounts.Errored,
			Canceled:   batch.RequestCounts.Canceled,
			Expired:    batch.RequestCounts.Expired,
		},
	}
	if !batch.EndedAt.IsZero() && !batch.CreatedAt.IsZero() {
		status.ProcessingTime = batch.EndedAt.Sub(batch.CreatedAt).Seconds()
	}
	return status, nil
}

// BatchResults opens the result stream of an ended batch.
func (c *Client) BatchResults(ctx context.Context, batchID string) (remote.ResultIterator, error) {
	stream := c.api.Messages.Batches.ResultsStreaming(ctx, batchID)
	return &resultIterator{stream: stream}, nil
}

type resultIterator struct {
	stream *jsonl.Stream[sdk.MessageBatchIndividualResponse]
	entry  remote.ResultEntry
}

func (it *resultIterator) Next() bool {
	if !it.stream.Next() {
		return false
	}
	it.entry = convertEntry(it.stream.Current())
	return true
}

func (it *resultIterator) Entry() remote.ResultEntry {
	return it.entry
}

func (it *resultIterator) Err() error {
	if err := it.stream.Err(); err != nil {
		return classify("batch results", err)
	}
	return nil
}

func (it *resultIterator) Close() error {
	return it.stream.Close()
}

func convertEntry(resp sdk.MessageBatchIndividualResponse) remote.ResultEntry {
	entry := remote.ResultEntry{CustomID: resp.CustomID}

	switch result := resp.Result.AsAny().(type) {
	case sdk.MessageBatchSucceededResult:
		entry.Kind = remote.ResultSucceeded
		entry.MessageID = result.Message.ID
		entry.InputTokens = result.Message.Usage.InputTokens
		entry.OutputTokens = result.Message.Usage.OutputTokens
		entry.Text = messageText(result.Message)
	case sdk.MessageBatchErroredResult:
		entry.Kind = remote.ResultErrored
		entry.ErrorMessage = result.Error.Error.Message
	default:
		entry.Kind = string(resp.Result.Type)
	}
	return entry
}

// messageText returns the first text content block, trimmed. Models
// occasionally pad classification output with whitespace.
func messageText(msg sdk.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text)
		}
	}
	return ""
}

// classify converts an SDK failure into a typed remote error. The HTTP
// status wins over message keywords when the API answered at all.
func classify(op string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return remote.NewError(op, apiErr.Error(), apiErr.StatusCode)
	}
	return remote.NewError(op, err.Error(), 0)
}
