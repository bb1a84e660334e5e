package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/promptmarket/economy/libs/apikey"
	"github.com/promptmarket/economy/libs/auth"
)

var (
	BuyerUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	SellerUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func GenerateJWT(userID uuid.UUID, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	return auth.Issue(userID.String(), secret, ttl, now)
}

// GenerateAdminKey returns a full key plus a record that accepts it.
func GenerateAdminKey(env string, scopes ...string) (string, apikey.Record, error) {
	full, prefix, hash, err := apikey.Generate(env)
	if err != nil {
		return "", apikey.Record{}, err
	}
	return full, apikey.Record{
		ID:      prefix,
		Owner:   "test-admin",
		KeyHash: hash,
		Scopes:  scopes,
	}, nil
}
