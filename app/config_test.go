package main

import (
	"github.com/stretchr/testify/require"
	"io/ioutil"
	"lattigo-worker/service/capability/lattice"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	filename := filepath.Join(t.TempDir(), "worker.toml")
	require.NoError(t, ioutil.WriteFile(filename, []byte(content), 0600))
	return filename
}

func TestReadConfig(t *testing.T) {
	filename := writeConfig(t, `
Server = "wss://example.org/worker"
APIKey = "secret"
RewardInterval = "250ms"
Debug = 2

[Integer]
LogN = 13
LogQ = [54, 54]
LogP = [55]
PlaintextModulus = 65537
`)
	config, err := ReadConfig(filename)
	require.NoError(t, err)
	require.Equal(t, "wss://example.org/worker", config.Server)
	require.Equal(t, "secret", config.APIKey)
	require.Equal(t, 250*time.Millisecond, config.RewardInterval.Duration)
	require.Equal(t, 2, config.Debug)

	params := config.Parameters()
	require.Equal(t, 13, params.Integer.LogN)
	require.Equal(t, uint64(65537), params.Integer.PlaintextModulus)
	require.Equal(t, lattice.DefaultParameters().Approximate.LogN, params.Approximate.LogN)
	require.NoError(t, config.Check())
}

func TestConfigCheck(t *testing.T) {
	config := &Config{}
	require.Error(t, config.Check())
	config.Server = "ws://localhost:8080"
	require.Error(t, config.Check())
	config.APIKey = "secret"
	require.NoError(t, config.Check())

	// Parameters are validated too.
	config.Approximate = &ApproximateParameters{LogN: 2, LogQ: []int{55}, LogP: []int{55}, LogDefaultScale: 40}
	require.Error(t, config.Check())
}

func TestBadConfig(t *testing.T) {
	_, err := ReadConfig(writeConfig(t, `RewardInterval = "soon"`))
	require.Error(t, err)
	_, err = ReadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestParseColumn(t *testing.T) {
	name, values, err := parseColumn("a=1, 2.5,-3")
	require.NoError(t, err)
	require.Equal(t, "a", name)
	require.Equal(t, []float64{1, 2.5, -3}, values)

	for _, arg := range []string{"a", "=1", "a=x"} {
		_, _, err := parseColumn(arg)
		require.Error(t, err, arg)
	}
}
