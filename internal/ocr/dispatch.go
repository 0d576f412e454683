package ocr

import "sort"

// Provider identifies an external OCR service
type Provider string

// DocumentType identifies a provider-specific recognition mode
type DocumentType string

const (
	ProviderBaidu Provider = "BAIDU"

	DocumentFinancialNotes DocumentType = "Financial Notes"
)

// Route is the (provider, document type) pair a payload is routed by
type Route struct {
	Provider     Provider     `json:"provider"`
	DocumentType DocumentType `json:"apiType"`
}

func (r Route) String() string {
	return string(r.Provider) + "/" + string(r.DocumentType)
}

// Normalizer maps a raw provider payload to a Record
type Normalizer func(raw []byte) (Record, error)

// Dispatcher selects a Normalizer by Route
type Dispatcher struct {
	normalizers map[Route]Normalizer
}

// NewDispatcher returns a Dispatcher with every supported route registered
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		normalizers: map[Route]Normalizer{
			{Provider: ProviderBaidu, DocumentType: DocumentFinancialNotes}: NormalizeFinancialNotes,
		},
	}
}

// Supports reports whether a normalizer is registered for the route
func (d *Dispatcher) Supports(route Route) bool {
	_, ok := d.normalizers[route]
	return ok
}

// Routes returns the registered routes ordered by provider then document type
func (d *Dispatcher) Routes() []Route {
	routes := make([]Route, 0, len(d.normalizers))
	for r := range d.normalizers {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Provider != routes[j].Provider {
			return routes[i].Provider < routes[j].Provider
		}
		return routes[i].DocumentType < routes[j].DocumentType
	})
	return routes
}

// Dispatch normalizes raw with the normalizer registered for route.
// An unregistered route is not an error: it yields the unknown record.
func (d *Dispatcher) Dispatch(raw []byte, route Route) (Record, error) {
	normalize, ok := d.normalizers[route]
	if !ok {
		return Unknown(), nil
	}
	return normalize(raw)
}
