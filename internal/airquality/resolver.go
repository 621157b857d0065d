package airquality

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/guregu/null"
)

// FeedResolver maps local feeds to backend feeds, creating the device and
// feed on first use. It lives for one scrape cycle.
type FeedResolver struct {
	backend    Backend
	product    Product
	lookupOnly bool

	mu    sync.Mutex
	cache map[string]RemoteFeed
}

// NewFeedResolver creates a resolver with an empty cache.
func NewFeedResolver(backend Backend, product Product) *FeedResolver {
	return &FeedResolver{
		backend: backend,
		product: product,
		cache:   make(map[string]RemoteFeed),
	}
}

// NewLookupResolver creates a resolver that never creates backend entities.
// A feed missing remotely resolves to an unresolved RemoteFeed named after
// the local feed.
func NewLookupResolver(backend Backend, product Product) *FeedResolver {
	r := NewFeedResolver(backend, product)
	r.lookupOnly = true
	return r
}

// Resolve returns the backend feed for f, hitting the backend only on the
// first call for f.ID. Coordinates are passed only when a feed is created.
func (r *FeedResolver) Resolve(ctx context.Context, f Feed) (RemoteFeed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if feed, ok := r.cache[f.ID]; ok {
		return feed, nil
	}

	resolve := r.getOrCreate
	if r.lookupOnly {
		resolve = r.lookup
	}
	feed, err := resolve(ctx, f)
	if err != nil {
		return RemoteFeed{}, err
	}

	r.cache[f.ID] = feed
	return feed, nil
}

func (r *FeedResolver) getOrCreate(ctx context.Context, f Feed) (RemoteFeed, error) {
	device, err := r.backend.GetOrCreateDevice(ctx, r.product, f.ID, f.Name)
	if err != nil {
		return RemoteFeed{}, fmt.Errorf("resolve device %s: %w", f.ID, err)
	}

	existing, err := r.backend.GetFeed(ctx, device, null.Float{}, null.Float{})
	if err != nil {
		return RemoteFeed{}, fmt.Errorf("lookup feed for %s: %w", f.ID, err)
	}
	if existing != nil {
		return *existing, nil
	}

	feed, err := r.backend.CreateFeed(ctx, device, f.Lat, f.Lon)
	if err != nil {
		return RemoteFeed{}, fmt.Errorf("create feed for %s: %w", f.ID, err)
	}
	return feed, nil
}

func (r *FeedResolver) lookup(ctx context.Context, f Feed) (RemoteFeed, error) {
	unresolved := RemoteFeed{Name: f.Name}
	if r.product.ID == 0 {
		return unresolved, nil
	}

	device, err := r.backend.FindDevice(ctx, r.product, f.ID)
	if err != nil {
		return RemoteFeed{}, fmt.Errorf("lookup device %s: %w", f.ID, err)
	}
	if device == nil {
		log.Printf("DEBUG: dry-run: device %s does not exist yet", f.ID)
		return unresolved, nil
	}

	existing, err := r.backend.GetFeed(ctx, *device, null.Float{}, null.Float{})
	if err != nil {
		return RemoteFeed{}, fmt.Errorf("lookup feed for %s: %w", f.ID, err)
	}
	if existing == nil {
		return unresolved, nil
	}
	return *existing, nil
}
