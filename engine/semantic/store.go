// Package semantic is the sole owner of all Qdrant operations: collection
// bootstrap, batched upserts of chunk vectors, and top-k similarity queries.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/MapleHealthAI/maple-mvp/engine/domain"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultBatchSize reflects the index's recommended max vectors per upsert.
const DefaultBatchSize = 100

// Config holds the store parameters, validated once at construction.
type Config struct {
	Collection string
	Dimension  int
	BatchSize  int
}

// Validate checks the configured limits.
func (c Config) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("semantic: empty collection name: %w", domain.ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("semantic: dimension %d: %w", c.Dimension, domain.ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("semantic: batch size %d: %w", c.BatchSize, domain.ErrInvalidConfig)
	}
	return nil
}

// pointsAPI is the subset of the Qdrant points service the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsAPI is the subset of the Qdrant collections service the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore wraps a Qdrant collection. It holds no mutable state beyond
// the connection; concurrent calls from unrelated requests are safe.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	cfg         Config
	logger      *slog.Logger
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, cfg Config, logger *slog.Logger) (*VectorStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs, err := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	vs.conn = conn
	return vs, nil
}

// NewWithClients creates a VectorStore over explicit service clients.
// Used directly by tests.
func NewWithClients(points pointsAPI, collections collectionsAPI, cfg Config, logger *slog.Logger) (*VectorStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorStore{points: points, collections: collections, cfg: cfg, logger: logger}, nil
}

// Close closes the underlying gRPC connection, if any.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection with cosine distance if it
// doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.cfg.Collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.cfg.Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(v.cfg.Dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.cfg.Collection, err)
	}
	v.logger.Info("collection created", "collection", v.cfg.Collection, "dimension", v.cfg.Dimension)
	return nil
}

// RecordID derives the deterministic point id for a chunk from its document
// id and sequence index, so re-ingesting a document overwrites its previous
// records instead of duplicating them.
func RecordID(docID string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d", docID, seq))).String()
}

// UpsertBatch writes records in sequential groups of at most BatchSize and
// returns the count actually written. On a group failure the count covers
// the groups that succeeded, and the error is a *domain.UpsertError naming
// the failed group. Upserts are idempotent by record id.
func (v *VectorStore) UpsertBatch(ctx context.Context, records []domain.IndexedRecord) (int, error) {
	written := 0
	for group := 0; group*v.cfg.BatchSize < len(records); group++ {
		lo := group * v.cfg.BatchSize
		hi := lo + v.cfg.BatchSize
		if hi > len(records) {
			hi = len(records)
		}

		points := make([]*pb.PointStruct, hi-lo)
		for i, r := range records[lo:hi] {
			points[i] = &pb.PointStruct{
				Id: &pb.PointId{
					PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID},
				},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: r.Vector},
					},
				},
				Payload: toPayload(r.Metadata),
			}
		}

		wait := true
		if _, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: v.cfg.Collection,
			Wait:           &wait,
			Points:         points,
		}); err != nil {
			return written, &domain.UpsertError{Written: written, GroupIndex: group, Err: err}
		}
		written += hi - lo
		v.logger.Debug("upsert group done", "group", group, "written", written, "total", len(records))
	}
	return written, nil
}

// DeleteByDocID removes all points carrying the given document id.
// Used before re-ingesting a document.
func (v *VectorStore) DeleteByDocID(ctx context.Context, docID string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.cfg.Collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						fieldMatch("document_id", docID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete by document_id %s: %w", docID, err)
	}
	return nil
}

// Query performs a top-k similarity search with optional metadata filters.
// Results are ordered by score descending with ties broken by record id
// ascending; the underlying store's tie ordering is not assumed.
func (v *VectorStore) Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]domain.RetrievalMatch, error) {
	if k <= 0 {
		return nil, fmt.Errorf("semantic: top-k %d: %w", k, domain.ErrInvalidArgument)
	}

	req := &pb.SearchPoints{
		CollectionName: v.cfg.Collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filter) > 0 {
		must := make([]*pb.Condition, 0, len(filter))
		for key, val := range filter {
			must = append(must, fieldMatch(key, val))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, &domain.QueryError{Err: err}
	}

	matches := make([]domain.RetrievalMatch, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		m := domain.RetrievalMatch{
			RecordID: r.GetId().GetUuid(),
			Score:    r.GetScore(),
			Metadata: make(map[string]string),
		}
		for key, val := range r.GetPayload() {
			s := valueString(val)
			if key == "content" {
				m.Content = s
			} else {
				m.Metadata[key] = s
			}
		}
		matches[i] = m
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].RecordID < matches[j].RecordID
	})
	return matches, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func toPayload(meta map[string]any) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(meta))
	for k, val := range meta {
		switch tv := val.(type) {
		case string:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			payload[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			payload[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return payload
}

func valueString(v *pb.Value) string {
	switch kind := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_IntegerValue:
		return strconv.FormatInt(kind.IntegerValue, 10)
	case *pb.Value_DoubleValue:
		return strconv.FormatFloat(kind.DoubleValue, 'g', -1, 64)
	case *pb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue)
	default:
		return v.String()
	}
}
