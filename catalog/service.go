package catalog

import (
	"context"
	"errors"
	"fmt"

	"dspconnect/message"
)

// ErrNoPolicy signals a dataset that carries no usage policy and therefore
// cannot be negotiated over.
var ErrNoPolicy = errors.New("catalog: dataset has no policy")

// Store abstracts dataset persistence for the service.
type Store interface {
	Upsert(ctx context.Context, ds message.Dataset) error
	Get(ctx context.Context, id string) (message.Dataset, error)
	List(ctx context.Context, limit int) ([]message.Dataset, error)
	SearchByKeyword(ctx context.Context, keyword string, limit int) ([]message.Dataset, error)
}

// Service exposes catalog operations: dataset management, DCAT rendering and
// offer resolution for the negotiation layer.
type Service struct {
	store         Store
	participantID string
	baseURL       string
}

// NewService builds a catalog service identifying this connector by
// participantID and serving data at baseURL.
func NewService(store Store, participantID, baseURL string) *Service {
	return &Service{store: store, participantID: participantID, baseURL: baseURL}
}

// Upsert validates and stores a dataset document. Offers embedded in a
// dataset must not carry a target; the target is implied by the dataset.
func (s *Service) Upsert(ctx context.Context, ds message.Dataset) error {
	if ds.ID == "" {
		return fmt.Errorf("%w: dataset id missing", message.ErrMalformed)
	}
	for _, offer := range ds.HasPolicy {
		if err := offer.ValidateEmbedded(); err != nil {
			return err
		}
	}
	return s.store.Upsert(ctx, ds)
}

// Dataset returns one dataset document by id.
func (s *Service) Dataset(ctx context.Context, id string) (message.Dataset, error) {
	return s.store.Get(ctx, id)
}

// ResolveOffer returns the dataset's first policy with the target filled in
// with the dataset id. Negotiation uses this to validate incoming offers.
func (s *Service) ResolveOffer(ctx context.Context, datasetID string) (message.Offer, error) {
	ds, err := s.store.Get(ctx, datasetID)
	if err != nil {
		return message.Offer{}, err
	}
	if len(ds.HasPolicy) == 0 {
		return message.Offer{}, fmt.Errorf("%w: %s", ErrNoPolicy, datasetID)
	}
	offer := ds.HasPolicy[0]
	offer.Target = ds.ID
	return offer, nil
}

// BuildCatalog renders the DCAT catalog document. When keyword is non-empty
// only datasets carrying that keyword are included.
func (s *Service) BuildCatalog(ctx context.Context, keyword string) (message.Catalog, error) {
	var (
		datasets []message.Dataset
		err      error
	)
	if keyword != "" {
		datasets, err = s.store.SearchByKeyword(ctx, keyword, 100)
	} else {
		datasets, err = s.store.List(ctx, 100)
	}
	if err != nil {
		return message.Catalog{}, err
	}

	return message.Catalog{
		Context:       []string{message.ContextURI},
		ID:            "urn:connector:" + s.participantID + ":catalog",
		Type:          "dcat:Catalog",
		ParticipantID: s.participantID,
		Service: []message.DataService{
			{ID: "urn:connector:" + s.participantID + ":service", Type: "dcat:DataService", EndpointURL: s.baseURL},
		},
		Dataset: datasets,
	}, nil
}

// Versions renders the version discovery document served at
// /.well-known/dspace-version.
func (s *Service) Versions() message.ProtocolVersions {
	return message.ProtocolVersions{
		Context: []string{message.ContextURI},
		Type:    "dspace:ProtocolVersions",
		ProtocolVersions: []message.ProtocolVersion{
			{Version: "2025-1", Path: "/"},
		},
	}
}
