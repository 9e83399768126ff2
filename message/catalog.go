package message

import "encoding/json"

// ContextURI is the JSON-LD context emitted on every rendered document.
const ContextURI = "https://w3id.org/dspace/2025/1/context.jsonld"

// CatalogRequestMessage asks the provider for its catalog.
type CatalogRequestMessage struct {
	Context json.RawMessage   `json:"@context,omitempty"`
	Type    string            `json:"@type"`
	Filter  []json.RawMessage `json:"filter,omitempty"`
}

func (m CatalogRequestMessage) Kind() Kind { return KindCatalogRequest }

func (m CatalogRequestMessage) validate() error { return nil }

// DatasetRequestMessage asks the provider for one dataset by id.
type DatasetRequestMessage struct {
	Context json.RawMessage `json:"@context,omitempty"`
	Type    string          `json:"@type"`
	Dataset string          `json:"dataset"`
}

func (m DatasetRequestMessage) Kind() Kind { return KindDatasetRequest }

func (m DatasetRequestMessage) validate() error {
	if m.Dataset == "" {
		return errMissing("dataset request dataset id")
	}
	return nil
}

// DataService describes a connector endpoint serving datasets.
type DataService struct {
	ID          string `json:"@id"`
	Type        string `json:"@type"`
	EndpointURL string `json:"endpointURL"`
}

// Distribution is an accessible form of a dataset.
type Distribution struct {
	Type          string `json:"@type"`
	Format        string `json:"format"`
	AccessService string `json:"accessService"`
}

// Dataset is a DCAT dataset carrying its usage policies and distributions.
// Offers embedded here must not set a target.
type Dataset struct {
	ID           string         `json:"@id"`
	Type         string         `json:"@type"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	Keyword      []string       `json:"keyword,omitempty"`
	License      string         `json:"license,omitempty"`
	HasPolicy    []Offer        `json:"hasPolicy,omitempty"`
	Distribution []Distribution `json:"distribution,omitempty"`
}

// Catalog is the DCAT catalog document returned from the catalog endpoint.
type Catalog struct {
	Context       []string      `json:"@context"`
	ID            string        `json:"@id"`
	Type          string        `json:"@type"`
	ParticipantID string        `json:"participantId"`
	Service       []DataService `json:"service,omitempty"`
	Dataset       []Dataset     `json:"dataset"`
}

// ProtocolVersion names one supported protocol version and its path prefix.
type ProtocolVersion struct {
	Version string `json:"version"`
	Path    string `json:"path"`
}

// ProtocolVersions is the version discovery response.
type ProtocolVersions struct {
	Context          []string          `json:"@context"`
	Type             string            `json:"@type"`
	ProtocolVersions []ProtocolVersion `json:"protocolVersions"`
}
