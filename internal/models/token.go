package models

import "time"

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type RefreshTokenData struct {
	Digest    string    `json:"digest" dynamodbav:"Digest"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"CreatedAt"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"ExpiresAt"`
}

// Expired reports whether the entry is past its token expiry at now.
func (d *RefreshTokenData) Expired(now time.Time) bool {
	return !d.ExpiresAt.After(now)
}
