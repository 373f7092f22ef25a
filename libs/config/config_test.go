package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "70000")
	_, err := Port("TEST_PORT", "8080")
	require.Error(t, err)

	t.Setenv("TEST_PORT", "")
	port, err := Port("TEST_PORT", "8080")
	require.NoError(t, err)
	require.Equal(t, "8080", port)
}

func TestParse(t *testing.T) {
	var cfg struct {
		Name     string        `env:"TEST_NAME" envDefault:"relay"`
		Interval time.Duration `env:"TEST_INTERVAL" envDefault:"2s"`
		Brokers  []string      `env:"TEST_BROKERS" envSeparator:","`
	}
	t.Setenv("TEST_BROKERS", "a:9092,b:9092")

	require.NoError(t, Parse(&cfg))
	require.Equal(t, "relay", cfg.Name)
	require.Equal(t, 2*time.Second, cfg.Interval)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)
}
