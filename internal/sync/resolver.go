package sync

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/peak1031/ppsync/internal/db/models"
)

// Resolver kinds.
const (
	KindUser     = "user"     // pp user id -> User.ID
	KindAccount  = "account"  // pp account id -> Contact.ID (primary contact wins)
	KindExchange = "exchange" // pp matter id -> Exchange.ID
)

// ResolverCache maps external ids to local ids for the entity kinds that
// dependent records reference. It is built once per entity-type sync by
// querying already-synced rows and is never persisted: local ids may have
// been created since the last build, so each run gets a fresh cache.
type ResolverCache struct {
	users     map[string]string
	accounts  map[string]string
	exchanges map[string]string
}

// BuildCache queries local storage once per kind and returns the populated
// cache. Unknown kinds are an error; an empty kinds list builds nothing.
func BuildCache(db *gorm.DB, kinds ...string) (*ResolverCache, error) {
	c := &ResolverCache{
		users:     map[string]string{},
		accounts:  map[string]string{},
		exchanges: map[string]string{},
	}

	for _, kind := range kinds {
		switch kind {
		case KindUser:
			var rows []models.User
			if err := db.Select("id", "pp_user_id").Where("pp_user_id <> ''").Find(&rows).Error; err != nil {
				return nil, fmt.Errorf("build user cache: %w", err)
			}
			for _, r := range rows {
				c.users[r.PPUserID] = r.ID
			}

		case KindAccount:
			var rows []models.Contact
			// Order so primary contacts overwrite non-primary ones for the
			// same account.
			if err := db.Select("id", "pp_account_id", "is_primary").
				Where("pp_account_id <> ''").Order("is_primary ASC").Find(&rows).Error; err != nil {
				return nil, fmt.Errorf("build contact cache: %w", err)
			}
			for _, r := range rows {
				c.accounts[r.PPAccountID] = r.ID
			}

		case KindExchange:
			var rows []models.Exchange
			if err := db.Select("id", "pp_matter_id").Where("pp_matter_id <> ''").Find(&rows).Error; err != nil {
				return nil, fmt.Errorf("build exchange cache: %w", err)
			}
			for _, r := range rows {
				c.exchanges[r.PPMatterID] = r.ID
			}

		default:
			return nil, fmt.Errorf("unknown resolver kind %q", kind)
		}
	}
	return c, nil
}

// Resolve returns the local id for an external id, or "" when unmapped.
// It never fails: callers leave the foreign key null rather than blocking
// the sync on a missing reference.
func (c *ResolverCache) Resolve(kind, externalID string) string {
	if externalID == "" {
		return ""
	}
	switch kind {
	case KindUser:
		return c.users[externalID]
	case KindAccount:
		return c.accounts[externalID]
	case KindExchange:
		return c.exchanges[externalID]
	}
	return ""
}
