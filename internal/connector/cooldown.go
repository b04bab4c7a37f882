package connector

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultCooldown is how long a failed source is left alone before the next attempt.
const DefaultCooldown = 180 * time.Second

// Cooldown remembers recent connection failures per data source. It is safe for
// concurrent use; lookups never extend a failure's window.
type Cooldown struct {
	failures *ttlcache.Cache[int64, error]
}

func NewCooldown(ttl time.Duration) *Cooldown {
	if ttl <= 0 {
		ttl = DefaultCooldown
	}
	return &Cooldown{
		failures: ttlcache.New(
			ttlcache.WithTTL[int64, error](ttl),
			ttlcache.WithDisableTouchOnHit[int64, error](),
		),
	}
}

// Failure is a remembered connection error.
type Failure struct {
	Err   error
	Until time.Time
}

// Failure returns the cached failure while the source is cooling down.
func (c *Cooldown) Failure(dataSourceID int64) (Failure, bool) {
	item := c.failures.Get(dataSourceID)
	if item == nil {
		return Failure{}, false
	}
	return Failure{Err: item.Value(), Until: item.ExpiresAt()}, true
}

func (c *Cooldown) Record(dataSourceID int64, err error) {
	c.failures.Set(dataSourceID, err, ttlcache.DefaultTTL)
}

func (c *Cooldown) Clear(dataSourceID int64) {
	c.failures.Delete(dataSourceID)
}
