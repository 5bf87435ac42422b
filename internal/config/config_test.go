package config

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("API_TIMEOUT", "")
	cfg := Load()

	assert.Equal(t, "8780", cfg.ServerPort)
	assert.Equal(t, 8*time.Second, cfg.APITimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.FeatureDisabledPoll)
	assert.Equal(t, "chan", cfg.ChannelSubjectPrefix)
}

func TestAPITimeoutIsClamped(t *testing.T) {
	t.Setenv("API_TIMEOUT", "1s")
	assert.Equal(t, 6*time.Second, Load().APITimeout)

	t.Setenv("API_TIMEOUT", "1m")
	assert.Equal(t, 12*time.Second, Load().APITimeout)
}

func TestSelfIDFallsBackToTokenSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "buyer-42"}).SignedString([]byte("server-secret"))
	require.NoError(t, err)

	t.Setenv("SELF_USER_ID", "")
	t.Setenv("SESSION_TOKEN", token)
	assert.Equal(t, "buyer-42", Load().SelfUserID)

	t.Setenv("SELF_USER_ID", "explicit")
	assert.Equal(t, "explicit", Load().SelfUserID)
}

func TestSelfIDFromTokenRejectsGarbage(t *testing.T) {
	_, err := SelfIDFromToken("not-a-jwt")
	assert.Error(t, err)
}
