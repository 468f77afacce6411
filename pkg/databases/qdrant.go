package databases

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/adiwidjaja/nalar/pkg/config"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
	tierField        = "tier"
)

type qdrantProvider struct {
	client *qdrant.Client
	config *config.VectorStoreConfig
}

func NewQdrantProviderFromConfig(cfg *config.VectorStoreConfig) (Provider, error) {
	useTLS := false
	if cfg.EnableTLS != nil {
		useTLS = *cfg.EnableTLS
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &qdrantProvider{client: client, config: cfg}, nil
}

func qdrantDistance(name string) qdrant.Distance {
	switch strings.ToLower(name) {
	case "dot":
		return qdrant.Distance_Dot
	case "euclid":
		return qdrant.Distance_Euclid
	default:
		return qdrant.Distance_Cosine
	}
}

func (db *qdrantProvider) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	exists, err := db.client.CollectionExists(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}
	if exists {
		return nil
	}

	req := &qdrant.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     spec.DenseDim,
				Distance: qdrantDistance(spec.Distance),
			},
		}),
	}
	if spec.Sparse {
		req.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {},
		})
	}

	if err := db.client.CreateCollection(ctx, req); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// The tier filter runs on every query; index the field.
	_, err = db.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: spec.Name,
		FieldName:      tierField,
		FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
	})
	if err != nil {
		return fmt.Errorf("failed to index tier field: %w", err)
	}
	return nil
}

func (db *qdrantProvider) Upsert(ctx context.Context, collection string, docs []*Document) error {
	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, doc := range docs {
		vectors := map[string]*qdrant.Vector{
			denseVectorName: qdrant.NewVector(doc.Dense...),
		}
		if !doc.Sparse.IsZero() {
			vectors[sparseVectorName] = qdrant.NewVectorSparse(doc.Sparse.Indices, doc.Sparse.Values)
		}

		payload := map[string]*qdrant.Value{
			tierField:      qdrant.NewValueInt(int64(doc.Tier)),
			"title":        qdrant.NewValueString(doc.Title),
			"body":         qdrant.NewValueString(doc.Body),
			"source_url":   qdrant.NewValueString(doc.SourceURL),
			"published_at": qdrant.NewValueString(doc.PublishedAt.Format("2006-01-02")),
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(doc.ID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: payload,
		})
	}

	_, err := db.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

func (db *qdrantProvider) SearchDense(ctx context.Context, collection string, vector []float32, limit int, maxTier int) ([]SearchResult, error) {
	points, err := db.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vector),
		Using:          qdrant.PtrOf(denseVectorName),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter:         tierFilter(maxTier),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dense query on %s failed: %w", collection, err)
	}
	return convertScoredPoints(points), nil
}

func (db *qdrantProvider) SearchSparse(ctx context.Context, collection string, vector SparseVector, limit int, maxTier int) ([]SearchResult, error) {
	if vector.IsZero() {
		return nil, ErrSparseUnavailable
	}

	points, err := db.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuerySparse(vector.Indices, vector.Values),
		Using:          qdrant.PtrOf(sparseVectorName),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter:         tierFilter(maxTier),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		// A collection created without a sparse index rejects the query;
		// report that distinctly so callers can degrade.
		if strings.Contains(err.Error(), "sparse") || strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: %v", ErrSparseUnavailable, err)
		}
		return nil, fmt.Errorf("sparse query on %s failed: %w", collection, err)
	}
	return convertScoredPoints(points), nil
}

func (db *qdrantProvider) Delete(ctx context.Context, collection string, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}

	_, err := db.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d points from %s: %w", len(ids), collection, err)
	}
	return nil
}

func (db *qdrantProvider) Close() error {
	return db.client.Close()
}

// tierFilter is the hard access-control filter applied at query time.
func tierFilter(maxTier int) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewRange(tierField, &qdrant.Range{
				Lte: qdrant.PtrOf(float64(maxTier)),
			}),
		},
	}
}

func convertScoredPoints(points []*qdrant.ScoredPoint) []SearchResult {
	results := make([]SearchResult, 0, len(points))
	for _, point := range points {
		var id string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		payload := make(map[string]interface{}, len(point.Payload))
		for key, value := range point.Payload {
			switch v := value.Kind.(type) {
			case *qdrant.Value_StringValue:
				payload[key] = v.StringValue
			case *qdrant.Value_IntegerValue:
				payload[key] = v.IntegerValue
			case *qdrant.Value_DoubleValue:
				payload[key] = v.DoubleValue
			case *qdrant.Value_BoolValue:
				payload[key] = v.BoolValue
			default:
				payload[key] = value
			}
		}

		results = append(results, SearchResult{
			ID:      id,
			Score:   point.Score,
			Payload: payload,
		})
	}
	return results
}
