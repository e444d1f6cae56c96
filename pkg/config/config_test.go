package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/flashloan"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flashloan.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `{
		"data_dir": "/var/lib/flashloan",
		"compute_unit_limit": 400000,
		"log": {"level": "debug", "format": "json"},
		"program": {"authority_seed": "vault"}
	}`)

	require.NoError(t, loadConfigFromFile(path))
	cnf, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/flashloan", cnf.DataDir)
	assert.Equal(t, "/var/lib/flashloan/accounts", cnf.AccountsDir)
	assert.Equal(t, "/var/lib/flashloan/receipts.db", cnf.ReceiptsPath)
	assert.Equal(t, uint64(400000), cnf.ComputeUnitLimit)
	assert.Equal(t, "debug", cnf.Log.Level)
	assert.Equal(t, "json", cnf.Log.Format)
	assert.Equal(t, flashloan.DefaultProgramID.String(), cnf.Program.ID)

	fl, err := cnf.FlashLoan()
	require.NoError(t, err)
	assert.Equal(t, flashloan.DefaultProgramID, fl.ProgramID)
	assert.Equal(t, []byte("vault"), fl.AuthoritySeed)
}

func TestLoadConfigFromFile_MissingFile(t *testing.T) {
	require.NoError(t, loadConfigFromFile(filepath.Join(t.TempDir(), "absent.json")))
	cnf, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, DefaultDataDir, cnf.DataDir)
	assert.Equal(t, svm.CUDefault, cnf.ComputeUnitLimit)
	assert.Equal(t, DefaultLogLevel, cnf.Log.Level)
	assert.Equal(t, DefaultLogFormat, cnf.Log.Format)
	assert.Equal(t, DefaultRPCAddr, cnf.RPCAddr)
	assert.Empty(t, cnf.DashboardAddr)
	assert.Equal(t, flashloan.DefaultAuthoritySeed, cnf.Program.AuthoritySeed)
}

func TestLoadConfigFromFile_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `{"data_dir": "/from/file", "log": {"level": "warn"}}`)
	t.Setenv("FLASHLOAN_DATA_DIR", "/from/env")
	t.Setenv("FLASHLOAN_LOG_LEVEL", "error")
	t.Setenv("FLASHLOAN_RPC_ADDR", "127.0.0.1:9000")

	require.NoError(t, loadConfigFromFile(path))
	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cnf.DataDir)
	assert.Equal(t, "error", cnf.Log.Level)
	assert.Equal(t, "127.0.0.1:9000", cnf.RPCAddr)
}

func TestLoadConfigFromFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"data_dir":`},
		{"compute limit", `{"compute_unit_limit": 9000000}`},
		{"log level", `{"log": {"level": "loud"}}`},
		{"log format", `{"log": {"format": "xml"}}`},
		{"program id", `{"program": {"id": "not-base58-0OIl"}}`},
		{"authority seed", `{"program": {"authority_seed": "0123456789abcdef0123456789abcdef0"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, loadConfigFromFile(writeConfig(t, tt.body)))
		})
	}
}

func TestMockConfig(t *testing.T) {
	MockConfig(&Configuration{DataDir: "/mock"})
	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "/mock", cnf.DataDir)
}

func TestConfigureLogger(t *testing.T) {
	cnf := &Configuration{Log: LogConfig{Level: "warn", Format: "json"}}
	logger := logrus.New()

	require.NoError(t, cnf.ConfigureLogger(logger))
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	cnf.Log.Level = "nope"
	assert.Error(t, cnf.ConfigureLogger(logger))
}
