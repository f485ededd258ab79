package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_PROVIDER", "memory")
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("UPSTREAM_URL", "http://risk-api.internal")
}

func TestNewConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreProvider)
	assert.Equal(t, 1, cfg.TrialReportsLimit)
	assert.Equal(t, 14*24*time.Hour, cfg.TrialDuration)
	assert.Equal(t, 3*time.Second, cfg.UsageWriteTimeout)
	assert.Equal(t, 2*time.Second, cfg.LedgerLockTimeout)
	assert.False(t, cfg.EnforcePaidQuotas)
	assert.False(t, cfg.AdminEnabled())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSAllowedOrigins)
}

func TestNewConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRIAL_REPORTS_LIMIT", "3")
	t.Setenv("TRIAL_DURATION", "168h")
	t.Setenv("USAGE_WRITE_TIMEOUT", "500ms")
	t.Setenv("ENFORCE_PAID_QUOTAS", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")
	t.Setenv("ADMIN_USERNAME", "ops")
	t.Setenv("ADMIN_PASSWORD", "hunter2")
	t.Setenv("PORT", "not-a-number")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.TrialReportsLimit)
	assert.Equal(t, 7*24*time.Hour, cfg.TrialDuration)
	assert.Equal(t, 500*time.Millisecond, cfg.UsageWriteTimeout)
	assert.True(t, cfg.EnforcePaidQuotas)
	assert.True(t, cfg.AdminEnabled())
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 8080, cfg.Port, "malformed values fall back to the default")
}

func TestNewConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "postgres without database url",
			env:     map[string]string{"STORE_PROVIDER": "postgres", "DATABASE_URL": ""},
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "unknown store",
			env:     map[string]string{"STORE_PROVIDER": "sqlite"},
			wantErr: "STORE_PROVIDER must be",
		},
		{
			name:    "missing jwt secret",
			env:     map[string]string{"AUTH_JWT_SECRET": ""},
			wantErr: "AUTH_JWT_SECRET is required",
		},
		{
			name:    "missing upstream",
			env:     map[string]string{"UPSTREAM_URL": ""},
			wantErr: "UPSTREAM_URL is required",
		},
		{
			name:    "r2 without account",
			env:     map[string]string{"STORAGE_PROVIDER": "r2"},
			wantErr: "R2_ACCOUNT_ID is required",
		},
		{
			name:    "unknown storage",
			env:     map[string]string{"STORAGE_PROVIDER": "gcs"},
			wantErr: "STORAGE_PROVIDER must be",
		},
		{
			name:    "negative trial limit",
			env:     map[string]string{"TRIAL_REPORTS_LIMIT": "-1"},
			wantErr: "TRIAL_REPORTS_LIMIT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := NewConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
