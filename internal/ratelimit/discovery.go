package ratelimit

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/aman-churiwal/outbound-gateway/internal/storage"
	"github.com/redis/go-redis/v9"
)

// How long a discovered limit stays authoritative. Past this the entry
// expires from the store; the bucket keeps its last applied
// configuration until a fresh header replaces it.
const discoveredLimitTTL = time.Hour

// DiscoveredLimit is the persisted record of a server-reported limit.
type DiscoveredLimit struct {
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetSeconds int       `json:"reset_seconds"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Discovery learns per-endpoint limits from response headers and feeds
// them into the token bucket. Parse failures are swallowed here: a bad
// header must never fail the request that carried it.
type Discovery struct {
	redis        *storage.RedisClient
	bucket       *TokenBucket
	headerName   string
	safetyFactor float64
	now          func() time.Time
}

func NewDiscovery(redisClient *storage.RedisClient, bucket *TokenBucket, headerName string, safetyFactor float64) *Discovery {
	if headerName == "" {
		headerName = "ratelimit"
	}
	return &Discovery{
		redis:        redisClient,
		bucket:       bucket,
		headerName:   headerName,
		safetyFactor: safetyFactor,
		now:          time.Now,
	}
}

// Observe extracts the limit header from a response and, when it
// parses, updates the endpoint's bucket and caches the discovery.
// safetyFactor overrides the service default when positive.
func (d *Discovery) Observe(ctx context.Context, endpointKey string, headers http.Header, safetyFactor float64) {
	headerValue := headers.Get(d.headerName)
	if headerValue == "" {
		return
	}

	desc, err := ParseLimitHeader(headerValue)
	if err != nil {
		// Previous limits remain authoritative
		log.Printf("discovery: ignoring unparseable %s header for %s: %v",
			d.headerName, endpointKey, err)
		return
	}

	if safetyFactor <= 0 || safetyFactor > 1 {
		safetyFactor = d.safetyFactor
	}

	if err := d.bucket.UpdateLimits(ctx, endpointKey, desc, safetyFactor); err != nil {
		log.Printf("discovery: failed to apply limits for %s: %v", endpointKey, err)
		return
	}

	d.cache(ctx, endpointKey, desc)
}

// Limits returns the cached discovery for an endpoint, or nil when
// nothing has been discovered (or the entry expired).
func (d *Discovery) Limits(ctx context.Context, endpointKey string) (*DiscoveredLimit, error) {
	data, err := d.redis.Get(ctx, limitsKey(endpointKey))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var limit DiscoveredLimit
	if err := json.Unmarshal([]byte(data), &limit); err != nil {
		return nil, err
	}
	return &limit, nil
}

func (d *Discovery) cache(ctx context.Context, endpointKey string, desc LimitDescriptor) {
	record := DiscoveredLimit{
		Limit:        desc.Limit,
		Remaining:    desc.Remaining,
		ResetSeconds: desc.Reset,
		DiscoveredAt: d.now(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return
	}

	if err := d.redis.Set(ctx, limitsKey(endpointKey), data, discoveredLimitTTL); err != nil {
		log.Printf("discovery: failed to cache limits for %s: %v", endpointKey, err)
	}
}

func limitsKey(endpointKey string) string {
	return "limits:" + endpointKey
}
