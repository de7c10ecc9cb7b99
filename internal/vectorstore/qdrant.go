// Package vectorstore provides the Qdrant client used to read the paper and
// atomic-fact corpora. The store is treated as a bulk-readable embedding
// table: the search engine scrolls full collections and scores similarity
// in application code.
package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/clinagent/evidence-service/internal/domain"
)

// Config holds the configuration for connecting to a Qdrant instance.
type Config struct {
	// Address is the host:port of the Qdrant gRPC endpoint (e.g. "localhost:6334").
	Address string
	// APIKey is the optional Qdrant Cloud API key.
	APIKey string
	// PaperCollection is the collection holding structured papers.
	PaperCollection string
	// FactCollection is the collection holding atomic facts.
	FactCollection string
	// PaperVectorName is the named vector carrying paper embeddings (e.g. "e5_pico").
	PaperVectorName string
	// FactVectorName is the named vector carrying fact embeddings (e.g. "sapbert_fact").
	FactVectorName string
	// ScrollLimit is the maximum points fetched per bulk read.
	ScrollLimit uint32
}

// Validate checks that all required Config fields are set.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("vectorstore config: address is required")
	}
	if c.PaperCollection == "" {
		return fmt.Errorf("vectorstore config: paper collection is required")
	}
	if c.FactCollection == "" {
		return fmt.Errorf("vectorstore config: fact collection is required")
	}
	return nil
}

// PaperRecord is one scrolled paper point: its embedding plus the decoded
// PICO and metadata payload.
type PaperRecord struct {
	ID       string
	Vector   []float32
	PICO     domain.PICO
	Metadata domain.PaperMetadata
}

// FactRecord is one scrolled atomic-fact point.
type FactRecord struct {
	PaperID string
	Text    string
	Vector  []float32
}

// Store defines the read-only corpus access the search engine consumes.
type Store interface {
	// FetchPapers bulk-reads the paper collection.
	FetchPapers(ctx context.Context) ([]PaperRecord, error)
	// FetchFacts bulk-reads the atomic-fact collection.
	FetchFacts(ctx context.Context) ([]FactRecord, error)
	// Collections lists collection names, used for connectivity checks.
	Collections(ctx context.Context) ([]string, error)
	// Close releases the underlying gRPC connection.
	Close() error
}

// Compile-time check that Client implements Store.
var _ Store = (*Client)(nil)

// Client is a Qdrant vector store client that implements Store via gRPC.
type Client struct {
	client *pb.Client
	cfg    Config
}

// NewClient creates a new Qdrant client by dialing the configured gRPC address.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ScrollLimit == 0 {
		cfg.ScrollLimit = 10000
	}

	host, port, err := parseAddress(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: invalid address %q: %w", cfg.Address, err)
	}

	qdrantClient, err := pb.NewClient(&pb.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.APIKey != "",
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: failed to create client: %w", err)
	}

	return &Client{
		client: qdrantClient,
		cfg:    cfg,
	}, nil
}

// FetchPapers scrolls the paper collection with payloads and vectors.
func (c *Client) FetchPapers(ctx context.Context) ([]PaperRecord, error) {
	points, err := c.scroll(ctx, c.cfg.PaperCollection)
	if err != nil {
		return nil, err
	}

	records := make([]PaperRecord, 0, len(points))
	for _, point := range points {
		vector := namedVector(point, c.cfg.PaperVectorName)
		if len(vector) == 0 {
			continue
		}
		records = append(records, PaperRecord{
			ID:       paperID(point),
			Vector:   vector,
			PICO:     decodePICO(point.GetPayload()["pico_en"]),
			Metadata: decodeMetadata(point.GetPayload()["metadata"]),
		})
	}

	return records, nil
}

// FetchFacts scrolls the atomic-fact collection with payloads and vectors.
func (c *Client) FetchFacts(ctx context.Context) ([]FactRecord, error) {
	points, err := c.scroll(ctx, c.cfg.FactCollection)
	if err != nil {
		return nil, err
	}

	records := make([]FactRecord, 0, len(points))
	for _, point := range points {
		vector := namedVector(point, c.cfg.FactVectorName)
		text := stringField(point.GetPayload(), "fact_text")
		if len(vector) == 0 || text == "" {
			continue
		}
		records = append(records, FactRecord{
			PaperID: stringField(point.GetPayload(), "paper_id"),
			Text:    text,
			Vector:  vector,
		})
	}

	return records, nil
}

// Collections lists the collection names available on the store.
func (c *Client) Collections(ctx context.Context) ([]string, error) {
	names, err := c.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: list collections failed: %w", err)
	}
	return names, nil
}

// Close releases the gRPC connection to Qdrant.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// scroll bulk-reads one collection. Corpora here are a few thousand points,
// so a single bounded page is the access contract; a real nearest-neighbor
// query can replace this behind the same Store interface.
func (c *Client) scroll(ctx context.Context, collection string) ([]*pb.RetrievedPoint, error) {
	points, err := c.client.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: collection,
		Limit:          pb.PtrOf(c.cfg.ScrollLimit),
		WithPayload:    pb.NewWithPayload(true),
		WithVectors:    pb.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: scroll %q failed: %w", collection, err)
	}
	return points, nil
}

// paperID prefers the payload identifier over the raw point ID so that
// findings cite the literature-database accession, not a synthetic UUID.
func paperID(point *pb.RetrievedPoint) string {
	if id := stringField(point.GetPayload(), "paper_id"); id != "" {
		return id
	}
	if pid := point.GetId(); pid != nil {
		if uuid := pid.GetUuid(); uuid != "" {
			return uuid
		}
		return strconv.FormatUint(pid.GetNum(), 10)
	}
	return ""
}

// namedVector extracts the named dense vector, falling back to the single
// unnamed vector for collections created without named vectors.
func namedVector(point *pb.RetrievedPoint, name string) []float32 {
	vectors := point.GetVectors()
	if vectors == nil {
		return nil
	}
	if named := vectors.GetVectors(); named != nil {
		if v, ok := named.GetVectors()[name]; ok {
			return v.GetData()
		}
		return nil
	}
	if v := vectors.GetVector(); v != nil {
		return v.GetData()
	}
	return nil
}

// stringField reads a string payload field, tolerating numeric identifiers.
func stringField(payload map[string]*pb.Value, key string) string {
	value, ok := payload[key]
	if !ok {
		return ""
	}
	if s := value.GetStringValue(); s != "" {
		return s
	}
	if _, isInt := value.GetKind().(*pb.Value_IntegerValue); isInt {
		return strconv.FormatInt(value.GetIntegerValue(), 10)
	}
	return ""
}

// decodePICO decodes the nested pico_en payload struct.
func decodePICO(value *pb.Value) domain.PICO {
	fields := structFields(value)
	return domain.PICO{
		Patient:      stringField(fields, "patient"),
		Intervention: stringField(fields, "intervention"),
		Comparison:   stringField(fields, "comparison"),
		Outcome:      stringField(fields, "outcome"),
	}
}

// decodeMetadata decodes the nested metadata payload struct.
func decodeMetadata(value *pb.Value) domain.PaperMetadata {
	fields := structFields(value)
	return domain.PaperMetadata{
		Title:           stringField(fields, "title"),
		Journal:         stringField(fields, "journal"),
		PublicationYear: stringField(fields, "publication_year"),
	}
}

func structFields(value *pb.Value) map[string]*pb.Value {
	if value == nil {
		return nil
	}
	s := value.GetStructValue()
	if s == nil {
		return nil
	}
	return s.GetFields()
}

// parseAddress splits an address string of the form "host:port" into its components.
func parseAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}
