package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Stock is a product's inventory level; Known is false when the storefront
// does not publish quantities.
type Stock struct {
	Quantity int
	Known    bool
}

// KnownStock returns a stock value with a published quantity.
func KnownStock(quantity int) Stock {
	if quantity < 0 {
		quantity = 0
	}
	return Stock{Quantity: quantity, Known: true}
}

// UnknownStock returns a stock value without a quantity.
func UnknownStock() Stock {
	return Stock{}
}

func (s Stock) String() string {
	if !s.Known {
		return "unknown"
	}
	return strconv.Itoa(s.Quantity)
}

// MarshalJSON encodes a known stock as its quantity and an unknown one as null.
func (s Stock) MarshalJSON() ([]byte, error) {
	if !s.Known {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(s.Quantity)), nil
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *Stock) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = UnknownStock()
		return nil
	}
	var quantity int
	if err := json.Unmarshal(data, &quantity); err != nil {
		return fmt.Errorf("decode stock: %w", err)
	}
	*s = KnownStock(quantity)
	return nil
}

// ProductSnapshot is the state of one storefront product at capture time.
// Values are never mutated after capture; a later scan produces a new value.
type ProductSnapshot struct {
	Key       string          `json:"key"`
	Title     string          `json:"title"`
	URL       string          `json:"url,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Stock     Stock           `json:"stock"`
	Available bool            `json:"available"`
	Variants  []string        `json:"variants"`
	Images    []string        `json:"images"`
	LastSeen  time.Time       `json:"last_seen"`
}

// NewProduct normalises variant and image sets so that two snapshots of the
// same storefront state compare equal regardless of listing order.
func NewProduct(p ProductSnapshot) ProductSnapshot {
	p.Variants = normaliseSet(p.Variants)
	p.Images = normaliseSet(p.Images)
	p.LastSeen = p.LastSeen.UTC()
	return p
}

func normaliseSet(values []string) []string {
	set := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Snapshot is a full catalog capture keyed by product identity.
type Snapshot struct {
	CapturedAt time.Time                  `json:"captured_at"`
	Products   map[string]ProductSnapshot `json:"products"`
}

// NewSnapshot builds a snapshot, rejecting empty or duplicate keys.
func NewSnapshot(capturedAt time.Time, products []ProductSnapshot) (*Snapshot, error) {
	snap := &Snapshot{
		CapturedAt: capturedAt.UTC(),
		Products:   make(map[string]ProductSnapshot, len(products)),
	}
	for _, p := range products {
		if p.Key == "" {
			return nil, fmt.Errorf("product %q has empty identity key", p.Title)
		}
		if _, dup := snap.Products[p.Key]; dup {
			return nil, fmt.Errorf("duplicate identity key %q", p.Key)
		}
		snap.Products[p.Key] = NewProduct(p)
	}
	return snap, nil
}

// Keys returns the identity keys in sorted order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.Products))
	for k := range s.Products {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of products.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Products)
}

// Get returns the product stored under key.
func (s *Snapshot) Get(key string) (ProductSnapshot, bool) {
	if s == nil {
		return ProductSnapshot{}, false
	}
	p, ok := s.Products[key]
	return p, ok
}
