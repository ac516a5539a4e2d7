package asset

import (
	"ListingLedger/internal/listing"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownAsset is returned for an asset id missing from the registry.
var ErrUnknownAsset = fmt.Errorf("%w: unknown asset", listing.ErrInvalidTransfer)

// Info describes one listable asset.
type Info struct {
	ID       uint64 `yaml:"id"`
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Decimals uint8  `yaml:"decimals"`
}

// Asset returns the ledger view of the asset.
func (i Info) Asset() listing.Asset {
	return listing.Asset{ID: i.ID, Decimals: i.Decimals}
}

type file struct {
	Currency struct {
		Symbol   string `yaml:"symbol"`
		Decimals uint8  `yaml:"decimals"`
	} `yaml:"currency"`
	Assets []Info `yaml:"assets"`
}

// Registry maps asset ids to their metadata. Read-only after load.
type Registry struct {
	currencySymbol   string
	currencyDecimals uint8
	byID             map[uint64]Info
}

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes and validates registry YAML.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid asset registry: %w", err)
	}

	reg := &Registry{
		currencySymbol:   f.Currency.Symbol,
		currencyDecimals: f.Currency.Decimals,
		byID:             make(map[uint64]Info, len(f.Assets)),
	}
	for _, a := range f.Assets {
		reg.byID[a.ID] = a
	}
	return reg, nil
}

func (f *file) validate() error {
	var errs []error
	if f.Currency.Symbol == "" {
		errs = append(errs, errors.New("currency symbol is required"))
	}
	if int(f.Currency.Decimals) > listing.MaxDecimals {
		errs = append(errs, fmt.Errorf("currency decimals %d above %d", f.Currency.Decimals, listing.MaxDecimals))
	}
	if len(f.Assets) == 0 {
		errs = append(errs, errors.New("at least one asset is required"))
	}

	seen := make(map[uint64]bool, len(f.Assets))
	for _, a := range f.Assets {
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate asset id %d", a.ID))
		}
		seen[a.ID] = true
		if a.Symbol == "" {
			errs = append(errs, fmt.Errorf("asset %d has no symbol", a.ID))
		}
		if int(a.Decimals) > listing.MaxDecimals {
			errs = append(errs, fmt.Errorf("asset %d decimals %d above %d", a.ID, a.Decimals, listing.MaxDecimals))
		}
	}
	return errors.Join(errs...)
}

// Lookup resolves an asset id for a ledger operation.
func (r *Registry) Lookup(id uint64) (listing.Asset, error) {
	info, ok := r.byID[id]
	if !ok {
		return listing.Asset{}, fmt.Errorf("%w: %d", ErrUnknownAsset, id)
	}
	return info.Asset(), nil
}

// Get returns the asset's metadata.
func (r *Registry) Get(id uint64) (Info, bool) {
	info, ok := r.byID[id]
	return info, ok
}

// Currency returns the settlement currency symbol and precision.
func (r *Registry) Currency() (string, uint8) {
	return r.currencySymbol, r.currencyDecimals
}

// All returns the registered assets ordered by id.
func (r *Registry) All() []Info {
	out := make([]Info, 0, len(r.byID))
	for _, info := range r.byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
