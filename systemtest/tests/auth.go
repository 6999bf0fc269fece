package tests

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/liblocker/liblocker/internal/api/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin(t *testing.T, env *Env) {
	t.Run("success", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/v1/auth/login", dto.LoginRequest{Password: env.Password}, "", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.LoginResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.Token)

		rr = env.doJSONWithAuth(http.MethodGet, "/api/v1/agents", nil, resp.Token)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/v1/auth/login", dto.LoginRequest{Password: "not-it"}, "", "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing password", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/v1/auth/login", map[string]string{}, "", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("protected route without credentials", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/api/v1/agents", nil, "", "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("protected route with bad token", func(t *testing.T) {
		rr := env.doJSONWithAuth(http.MethodGet, "/api/v1/agents", nil, "garbage")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

// TestCredentialRotation changes the operator password and checks that a
// connected agent accepts the new one for local unlock.
func TestCredentialRotation(t *testing.T, env *Env) {
	agent, events := env.StartAgent(t, "HW-ROTATE")
	// Registration delivers the current hash.
	receive(t, events.Password)
	require.True(t, agent.State().VerifyAdminPassword(env.Password))

	rr := env.doJSON(http.MethodPut, "/api/v1/credentials", dto.UpdateCredentialsRequest{Password: "rotated-pass"})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp dto.UpdateCredentialsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.GreaterOrEqual(t, resp.Notified, 1)

	require.Eventually(t, func() bool {
		return agent.State().VerifyAdminPassword("rotated-pass")
	}, 10*time.Second, 20*time.Millisecond)
	assert.False(t, agent.State().VerifyAdminPassword(env.Password))

	rr = env.do(http.MethodPost, "/api/v1/auth/login", dto.LoginRequest{Password: "rotated-pass"}, "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	env.Password = "rotated-pass"
}
