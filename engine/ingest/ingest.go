// Package ingest consumes uploaded documents from NATS and runs them
// through the indexing pipeline, with retry and dead-letter handling.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MapleHealthAI/maple-mvp/engine/domain"
	"github.com/MapleHealthAI/maple-mvp/pkg/fn"
	"github.com/MapleHealthAI/maple-mvp/pkg/natsutil"
)

const (
	// Subject carries uploaded documents awaiting indexing.
	Subject = "maple.ingest"
	// DLQSubject receives messages that exhausted their retries or failed
	// permanently.
	DLQSubject = "maple.ingest.dlq"
	// Queue is the worker queue group; NATS balances messages across it.
	Queue = "ingest-workers"
	// MaxRedeliveries before a message goes to the DLQ.
	MaxRedeliveries = 3
)

// Ingestor indexes one document. Satisfied by rag.Service.
type Ingestor interface {
	Ingest(ctx context.Context, doc domain.Document) (domain.IngestResult, error)
}

// DLQMessage wraps a failed document for the dead-letter subject.
type DLQMessage struct {
	Document domain.UploadedDocument `json:"document"`
	Error    string                  `json:"error"`
	Retries  int                     `json:"retries"`
}

// Consumer pulls documents off the ingest subject.
type Consumer struct {
	nc       *nats.Conn
	pub      natsutil.Publisher
	ingestor Ingestor
	retry    fn.RetryOpts
	timeout  time.Duration
	log      *slog.Logger
}

// NewConsumer creates a Consumer. Logger may be nil.
func NewConsumer(nc *nats.Conn, ingestor Ingestor, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		nc:       nc,
		pub:      nc,
		ingestor: ingestor,
		retry:    fn.DefaultRetry,
		timeout:  5 * time.Minute,
		log:      log,
	}
}

// Start subscribes to the ingest subject in a worker queue group.
func (c *Consumer) Start() (*nats.Subscription, error) {
	sub, err := natsutil.QueueSubscribe(c.nc, Subject, Queue, c.handle)
	if err != nil {
		return nil, fmt.Errorf("ingest: subscribe %s: %w", Subject, err)
	}
	return sub, nil
}

func (c *Consumer) handle(ctx context.Context, d natsutil.Delivery[domain.UploadedDocument]) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	doc := d.Value.Document
	log := c.log.With("document_id", doc.ID)

	result := fn.Retry(ctx, c.retry, domain.Retryable, func(ctx context.Context) fn.Result[domain.IngestResult] {
		return fn.FromPair(c.ingestor.Ingest(ctx, doc))
	})

	if result.IsOk() {
		res, _ := result.Unwrap()
		log.Info("ingest: document indexed",
			"chunks", res.ChunksCreated,
			"records", res.RecordsWritten,
		)
		return
	}

	_, err := result.Unwrap()
	retries := d.RetryCount() + 1

	if domain.Retryable(err) && retries < MaxRedeliveries {
		log.Warn("ingest: failed, redelivering", "error", err, "attempt", retries)
		if pubErr := c.redeliver(ctx, d.Value, retries); pubErr != nil {
			log.Error("ingest: redelivery publish failed", "error", pubErr)
		}
		return
	}

	log.Error("ingest: failed, dead-lettering", "error", err, "retries", retries)
	dlq := DLQMessage{Document: d.Value, Error: err.Error(), Retries: retries}
	if pubErr := natsutil.Publish(ctx, c.pub, DLQSubject, dlq, nil); pubErr != nil {
		log.Error("ingest: DLQ publish failed", "error", pubErr)
	}
}

func (c *Consumer) redeliver(ctx context.Context, doc domain.UploadedDocument, retries int) error {
	hdr := nats.Header{}
	hdr.Set(natsutil.RetryCountHeader, strconv.Itoa(retries))
	return natsutil.Publish(ctx, c.pub, Subject, doc, hdr)
}

// Enqueue publishes a document for asynchronous indexing.
func Enqueue(ctx context.Context, nc natsutil.Publisher, doc domain.UploadedDocument) error {
	if err := natsutil.Publish(ctx, nc, Subject, doc, nil); err != nil {
		return fmt.Errorf("ingest: enqueue %s: %w", doc.Document.ID, err)
	}
	return nil
}
