package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"engwewatch/internal/catalog"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; engwewatch/1.0)"

// ErrNoProducts is returned when the sitemap listed products but none could be read.
var ErrNoProducts = errors.New("no products could be fetched")

// ShopifyOptions parameterise the storefront fetcher.
type ShopifyOptions struct {
	BaseURL           string
	SitemapPath       string
	MaxProducts       int
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
}

// Shopify reads a Shopify storefront through its product sitemap and the
// public per-product JSON endpoint.
type Shopify struct {
	opts    ShopifyOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	now     func() time.Time
}

// NewShopify constructs a storefront fetcher.
func NewShopify(opts ShopifyOptions, logger zerolog.Logger) *Shopify {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://engwe.com"
	}
	if opts.SitemapPath == "" {
		opts.SitemapPath = "/sitemap_products_1.xml"
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &Shopify{
		opts:    opts,
		logger:  logger.With().Str("component", "shopify_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		baseURL: baseURL,
		now:     time.Now,
	}
}

// FetchCatalog lists product URLs from the sitemap and reads each product.
// Products that fail individually are logged and left out of the snapshot.
func (s *Shopify) FetchCatalog(ctx context.Context) (*catalog.Snapshot, error) {
	urls, err := s.productURLs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch product sitemap")
	}
	capturedAt := s.now().UTC()
	if len(urls) == 0 {
		return nil, errors.Wrap(ErrNoProducts, "sitemap lists no product urls")
	}

	products := make([]catalog.ProductSnapshot, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter")
		}
		p, err := s.fetchProduct(ctx, u, capturedAt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), "fetch catalog")
			}
			s.logger.Warn().Err(err).Str("url", u).Msg("skipping product")
			continue
		}
		if _, dup := seen[p.Key]; dup {
			s.logger.Debug().Str("key", p.Key).Msg("duplicate product handle in sitemap")
			continue
		}
		seen[p.Key] = struct{}{}
		products = append(products, p)
	}

	if len(products) == 0 {
		return nil, errors.Wrapf(ErrNoProducts, "0 of %d product urls readable", len(urls))
	}

	s.logger.Debug().Int("urls", len(urls)).Int("products", len(products)).Msg("catalog fetched")
	return catalog.NewSnapshot(capturedAt, products)
}

func (s *Shopify) productURLs(ctx context.Context) ([]string, error) {
	body, err := s.get(ctx, s.baseURL+s.opts.SitemapPath, "application/xml")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, errors.Wrap(err, "parse sitemap")
	}

	var urls []string
	doc.Find("loc").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		loc := strings.TrimSpace(sel.Text())
		if !strings.Contains(loc, "/products/") {
			return true
		}
		urls = append(urls, loc)
		return s.opts.MaxProducts <= 0 || len(urls) < s.opts.MaxProducts
	})
	return urls, nil
}

type productJSON struct {
	Handle        string          `json:"handle"`
	Title         string          `json:"title"`
	Price         decimal.Decimal `json:"price"`
	Available     bool            `json:"available"`
	FeaturedImage string          `json:"featured_image"`
	Images        []string        `json:"images"`
	Variants      []struct {
		ID                int64  `json:"id"`
		Title             string `json:"title"`
		Available         bool   `json:"available"`
		InventoryQuantity *int   `json:"inventory_quantity"`
	} `json:"variants"`
}

func (s *Shopify) fetchProduct(ctx context.Context, productURL string, at time.Time) (catalog.ProductSnapshot, error) {
	body, err := s.get(ctx, strings.TrimRight(productURL, "/")+".js", "application/json")
	if err != nil {
		return catalog.ProductSnapshot{}, err
	}
	defer body.Close()

	var raw productJSON
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return catalog.ProductSnapshot{}, errors.Wrap(err, "decode product json")
	}

	key := raw.Handle
	if key == "" {
		key = handleFromURL(productURL)
	}
	if key == "" {
		return catalog.ProductSnapshot{}, errors.Newf("product at %s has no handle", productURL)
	}

	stock := catalog.UnknownStock()
	total, reported := 0, false
	variants := make([]string, 0, len(raw.Variants))
	for _, v := range raw.Variants {
		variants = append(variants, variantID(v.ID, v.Title))
		if v.InventoryQuantity != nil {
			// oversold variants report negative counts
			total += max(*v.InventoryQuantity, 0)
			reported = true
		}
	}
	if reported {
		stock = catalog.KnownStock(total)
	}

	images := make([]string, 0, len(raw.Images)+1)
	for _, img := range append(raw.Images, raw.FeaturedImage) {
		if img == "" {
			continue
		}
		images = append(images, absoluteURL(img))
	}

	return catalog.NewProduct(catalog.ProductSnapshot{
		Key:       key,
		Title:     raw.Title,
		URL:       productURL,
		Price:     raw.Price.Shift(-2),
		Stock:     stock,
		Available: raw.Available,
		Variants:  variants,
		Images:    images,
		LastSeen:  at,
	}), nil
}

func (s *Shopify) get(ctx context.Context, target, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, parseHTTPError(resp.StatusCode, snippet)
	}
	return resp.Body, nil
}

func parseHTTPError(status int, payload []byte) error {
	if text := strings.TrimSpace(string(payload)); text != "" {
		return fmt.Errorf("storefront error (%d): %s", status, text)
	}
	return fmt.Errorf("storefront error (%d)", status)
}

// variantID identifies a variant by its numeric id; titles are not unique and
// may be renamed.
func variantID(id int64, title string) string {
	if id == 0 {
		return title
	}
	return strconv.FormatInt(id, 10)
}

func handleFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(strings.TrimRight(u.Path, "/"))
	if base == "." || base == "/" || base == "products" {
		return ""
	}
	return base
}

func absoluteURL(src string) string {
	if strings.HasPrefix(src, "//") {
		return "https:" + src
	}
	return src
}

var _ CatalogFetcher = (*Shopify)(nil)
