// Package qdrant stores embedded fragments in Qdrant and serves similarity
// search over them.
package qdrant

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

const (
	payloadText       = "text"
	payloadSourceType = "source_type"
	payloadSourceName = "source_name"
	payloadMetadata   = "metadata"
)

// sourceScanLimit bounds the scroll used for source listing. Listing is an
// admin endpoint; a knowledge base with more points than this per collection
// should list sources from its own catalog instead.
const sourceScanLimit = 10000

// Store keeps fragments in two collections: documents and conversations.
// Chat fragments route to the conversations collection, everything else to
// documents; search always spans both.
type Store struct {
	client          *qdrant.Client
	collectionDocs  string
	collectionChats string
	dimensions      int
	logger          *zap.Logger
}

// Config holds the vector store settings.
type Config struct {
	Host            string
	Port            int
	CollectionDocs  string
	CollectionChats string
	Dimensions      int
	Logger          *zap.Logger
}

// NewStore connects to Qdrant.
func NewStore(cfg *Config) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Store{
		client:          client,
		collectionDocs:  cfg.CollectionDocs,
		collectionChats: cfg.CollectionChats,
		dimensions:      cfg.Dimensions,
		logger:          cfg.Logger,
	}, nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureCollections creates the two collections if they do not exist.
func (s *Store) EnsureCollections(ctx context.Context) error {
	for _, name := range []string{s.collectionDocs, s.collectionChats} {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check collection %s: %w", name, err)
		}
		if exists {
			continue
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		s.logger.Info("Created collection",
			zap.String("collection", name),
			zap.Int("dimensions", s.dimensions),
		)
	}
	return nil
}

// Upsert stores fragments with their vectors, routed by source type.
func (s *Store) Upsert(ctx context.Context, fragments []domain.Fragment, vectors [][]float32) error {
	if len(fragments) != len(vectors) {
		return fmt.Errorf("got %d fragments but %d vectors", len(fragments), len(vectors))
	}

	byCollection := map[string][]*qdrant.PointStruct{}
	for i, f := range fragments {
		point, err := s.toPoint(f, vectors[i])
		if err != nil {
			return fmt.Errorf("build point for %s: %w", f.SourceName, err)
		}
		name := s.collectionFor(f)
		byCollection[name] = append(byCollection[name], point)
	}

	for name, points := range byCollection {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("upsert %d points into %s: %w", len(points), name, err)
		}
	}
	return nil
}

// Search runs similarity search across both collections and returns the topK
// best hits overall, optionally restricted to the given source names. A
// failure in one collection is logged and skipped; a degraded search beats
// none, and an empty result only happens when both collections fail or are
// empty.
func (s *Store) Search(ctx context.Context, vector []float32, topK int, sources []string) ([]domain.SearchHit, error) {
	var hits []domain.SearchHit
	var failed int

	for _, name := range []string{s.collectionDocs, s.collectionChats} {
		points, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(vector...),
			Filter:         sourceFilter(sources),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			failed++
			s.logger.Warn("Collection search failed",
				zap.String("collection", name), zap.Error(err))
			continue
		}
		for _, p := range points {
			hits = append(hits, s.toHit(p))
		}
	}
	if failed == 2 {
		return nil, fmt.Errorf("all collections unreachable")
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteSource removes every point of the named source from both collections.
func (s *Store) DeleteSource(ctx context.Context, sourceName string) error {
	for _, name := range []string{s.collectionDocs, s.collectionChats} {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{
							qdrant.NewMatch(payloadSourceName, sourceName),
						},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("delete source %q from %s: %w", sourceName, name, err)
		}
	}
	return nil
}

// SourceInfo describes one ingested source.
type SourceInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Fragments int    `json:"fragments"`
}

// Sources lists the distinct sources currently stored, with fragment counts.
func (s *Store) Sources(ctx context.Context) ([]SourceInfo, error) {
	counts := map[string]*SourceInfo{}

	for _, name := range []string{s.collectionDocs, s.collectionChats} {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Limit:          qdrant.PtrOf(uint32(sourceScanLimit)),
			WithPayload:    qdrant.NewWithPayloadInclude(payloadSourceName, payloadSourceType),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll collection %s: %w", name, err)
		}
		for _, p := range points {
			src := p.Payload[payloadSourceName].GetStringValue()
			if src == "" {
				continue
			}
			info, ok := counts[src]
			if !ok {
				info = &SourceInfo{
					Name: src,
					Type: p.Payload[payloadSourceType].GetStringValue(),
				}
				counts[src] = info
			}
			info.Fragments++
		}
	}

	out := make([]SourceInfo, 0, len(counts))
	for _, info := range counts {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// sourceFilter restricts a query to the named sources. Returns nil (no
// filter) for an empty set.
func sourceFilter(sources []string) *qdrant.Filter {
	if len(sources) == 0 {
		return nil
	}
	conds := make([]*qdrant.Condition, len(sources))
	for i, src := range sources {
		conds[i] = qdrant.NewMatch(payloadSourceName, src)
	}
	return &qdrant.Filter{Should: conds}
}

func (s *Store) collectionFor(f domain.Fragment) string {
	if f.IsConversational() {
		return s.collectionChats
	}
	return s.collectionDocs
}

// toPoint builds a Qdrant point. Metadata round-trips through JSON because
// the payload value model cannot hold arbitrary nested Go values directly.
func (s *Store) toPoint(f domain.Fragment, vector []float32) (*qdrant.PointStruct, error) {
	payload := map[string]*qdrant.Value{
		payloadText:       qdrant.NewValueString(f.Text),
		payloadSourceType: qdrant.NewValueString(string(f.SourceType)),
		payloadSourceName: qdrant.NewValueString(f.SourceName),
	}
	if len(f.Metadata) > 0 {
		meta, err := json.Marshal(f.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		payload[payloadMetadata] = qdrant.NewValueString(string(meta))
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(uuid.NewString()),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}, nil
}

func (s *Store) toHit(p *qdrant.ScoredPoint) domain.SearchHit {
	f := domain.Fragment{
		Text:       p.Payload[payloadText].GetStringValue(),
		SourceType: domain.SourceType(p.Payload[payloadSourceType].GetStringValue()),
		SourceName: p.Payload[payloadSourceName].GetStringValue(),
	}
	if raw := p.Payload[payloadMetadata].GetStringValue(); raw != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			s.logger.Warn("Dropping unparseable fragment metadata",
				zap.String("source", f.SourceName), zap.Error(err))
		} else {
			f.Metadata = meta
		}
	}
	return domain.SearchHit{
		Fragment:   f,
		Similarity: float64(p.Score),
	}
}
