package config

import (
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlags(args ...string) {
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	os.Args = append([]string{"test"}, args...)
}

func TestParseAddresses(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		args  []string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "default run address, no upstreams",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "localhost:8080", cfg.RunAddress)
				assert.Empty(t, cfg.DatabaseURI)
				assert.Empty(t, cfg.AccrualSystemAddress)
				assert.Empty(t, cfg.NotifyAddress)
				assert.Empty(t, cfg.RedisURL)
			},
		},
		{
			name: "flags",
			args: []string{"-a", ":7777", "-d", "postgres://flag@db/rewards", "-r", "http://accrual", "-n", "http://notify"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":7777", cfg.RunAddress)
				assert.Equal(t, "postgres://flag@db/rewards", cfg.DatabaseURI)
				assert.Equal(t, "http://accrual", cfg.AccrualSystemAddress)
				assert.Equal(t, "http://notify", cfg.NotifyAddress)
			},
		},
		{
			name: "env wins over flags",
			env: map[string]string{
				"RUN_ADDRESS":            ":9000",
				"DATABASE_URI":           "postgres://env@db/rewards",
				"ACCRUAL_SYSTEM_ADDRESS": "http://env-accrual",
			},
			args: []string{"-a", ":8000", "-d", "postgres://flag@db/rewards", "-r", "http://flag-accrual", "-n", "http://flag-notify"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":9000", cfg.RunAddress)
				assert.Equal(t, "postgres://env@db/rewards", cfg.DatabaseURI)
				assert.Equal(t, "http://env-accrual", cfg.AccrualSystemAddress)
				assert.Equal(t, "http://flag-notify", cfg.NotifyAddress)
			},
		},
		{
			name: "program settings from env",
			env: map[string]string{
				"REDIS_URL":              "redis://cache:6379/1",
				"REFERRAL_REWARD_POINTS": "2500",
				"REFERRAL_TTL":           "48h",
				"ADMIN_RATE_LIMIT":       "0.5",
				"CORS_ALLOWED_ORIGINS":   " https://shop.example.com , ,https://admin.example.com",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
				assert.Equal(t, int64(2500), cfg.ReferralRewardPoints)
				assert.Equal(t, 48*time.Hour, cfg.ReferralTTL)
				assert.InDelta(t, 0.5, cfg.AdminRateLimit, 1e-9)
				assert.Equal(t, []string{"https://shop.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags(tt.args...)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Parse()
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestParseProgramDefaults(t *testing.T) {
	resetFlags()

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, int64(1000), cfg.ReferralRewardPoints)
	assert.Equal(t, int64(0), cfg.RefereeRewardPoints)
	assert.Equal(t, int64(1000), cfg.MinQualifyingOrder)
	assert.Equal(t, 720*time.Hour, cfg.ReferralTTL)
	assert.Equal(t, 15*time.Minute, cfg.FraudScanInterval)
	assert.Equal(t, 200, cfg.FraudBatchSize)
	assert.Equal(t, 5, cfg.FraudVelocityLimit)
	assert.Equal(t, 10*time.Minute, cfg.FraudMinQualifyDelay)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
}

func TestParseAdminEmails(t *testing.T) {
	resetFlags()
	t.Setenv("ADMIN_EMAILS", " Root@Example.com ,ops@example.com,")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, []string{"root@example.com", "ops@example.com"}, cfg.AdminEmails)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	for key, value := range map[string]string{
		"FRAUD_BATCH_SIZE":       "0",
		"REFERRAL_REWARD_POINTS": "-1",
		"TOKEN_TTL":              "0s",
		"FRAUD_SCAN_INTERVAL":    "abc",
	} {
		t.Run(key, func(t *testing.T) {
			resetFlags()
			t.Setenv(key, value)

			_, err := Parse()
			assert.Error(t, err)
		})
	}
}
