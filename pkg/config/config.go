// Package config loads the runtime configuration: an optional JSON file,
// overridden by FLASHLOAN_* environment variables.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/programs/flashloan"
)

const (
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "flashloan"

	DefaultDataDir   = "./data"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultRPCAddr   = ":8899"
)

var ConfigStore atomic.Value

type LogConfig struct {
	Level  string `json:"level" envconfig:"FLASHLOAN_LOG_LEVEL"`
	Format string `json:"format" envconfig:"FLASHLOAN_LOG_FORMAT"`
}

type ProgramConfig struct {
	// ID is the base58 address the flash-loan program is deployed at.
	ID            string `json:"id" envconfig:"FLASHLOAN_PROGRAM_ID"`
	AuthoritySeed string `json:"authority_seed" envconfig:"FLASHLOAN_AUTHORITY_SEED"`
}

type Configuration struct {
	DataDir string `json:"data_dir" envconfig:"FLASHLOAN_DATA_DIR"`

	// AccountsDir is the Badger directory; ReceiptsPath the bbolt file.
	// Both default to locations under DataDir.
	AccountsDir  string `json:"accounts_dir" envconfig:"FLASHLOAN_ACCOUNTS_DIR"`
	ReceiptsPath string `json:"receipts_path" envconfig:"FLASHLOAN_RECEIPTS_PATH"`
	SnapshotPath string `json:"snapshot_path" envconfig:"FLASHLOAN_SNAPSHOT_PATH"`

	ComputeUnitLimit uint64 `json:"compute_unit_limit" envconfig:"FLASHLOAN_COMPUTE_UNIT_LIMIT"`

	// RPCAddr is the JSON-RPC listen address used by serve.
	RPCAddr string `json:"rpc_addr" envconfig:"FLASHLOAN_RPC_ADDR"`

	// DashboardAddr enables the web dashboard under serve when set.
	DashboardAddr string `json:"dashboard_addr" envconfig:"FLASHLOAN_DASHBOARD_ADDR"`

	Log     LogConfig     `json:"log"`
	Program ProgramConfig `json:"program"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return errors.Wrap(err, "open config")
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cnf); err != nil {
			return errors.Wrapf(err, "decode %s", file)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		logrus.Debugf("config file %s not found, using environment", file)
	}

	// override config from environment variables
	if err := envconfig.Process(EnvPrefix, &cnf); err != nil {
		return errors.Wrap(err, "process environment")
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

// InitConfig loads the configuration and applies its log settings.
func InitConfig(configFile string) error {
	if err := loadConfigFromFile(configFile); err != nil {
		return err
	}
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	return cnf.ConfigureLogger(logrus.StandardLogger())
}

func Fetch() (*Configuration, error) {
	c, ok := ConfigStore.Load().(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded, call InitConfig first")
	}
	return c, nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func (cnf *Configuration) validateAndAddDefaults() error {
	cnf.DataDir = strings.TrimSpace(cnf.DataDir)
	cnf.AccountsDir = strings.TrimSpace(cnf.AccountsDir)
	cnf.ReceiptsPath = strings.TrimSpace(cnf.ReceiptsPath)
	cnf.SnapshotPath = strings.TrimSpace(cnf.SnapshotPath)
	cnf.Program.ID = strings.TrimSpace(cnf.Program.ID)
	cnf.RPCAddr = strings.TrimSpace(cnf.RPCAddr)
	cnf.DashboardAddr = strings.TrimSpace(cnf.DashboardAddr)

	if cnf.DataDir == "" {
		cnf.DataDir = DefaultDataDir
	}
	if cnf.AccountsDir == "" {
		cnf.AccountsDir = filepath.Join(cnf.DataDir, "accounts")
	}
	if cnf.ReceiptsPath == "" {
		cnf.ReceiptsPath = filepath.Join(cnf.DataDir, "receipts.db")
	}
	if cnf.SnapshotPath == "" {
		cnf.SnapshotPath = filepath.Join(cnf.DataDir, "snapshot.x1fl")
	}

	if cnf.RPCAddr == "" {
		cnf.RPCAddr = DefaultRPCAddr
	}

	if cnf.ComputeUnitLimit == 0 {
		cnf.ComputeUnitLimit = svm.CUDefault
	}
	if cnf.ComputeUnitLimit > svm.CUMax {
		return errors.Errorf("compute unit limit %d exceeds maximum %d", cnf.ComputeUnitLimit, svm.CUMax)
	}

	if cnf.Log.Level == "" {
		cnf.Log.Level = DefaultLogLevel
	}
	if _, err := logrus.ParseLevel(cnf.Log.Level); err != nil {
		return errors.Wrap(err, "log level")
	}
	switch cnf.Log.Format {
	case "":
		cnf.Log.Format = DefaultLogFormat
	case "text", "json":
	default:
		return errors.Errorf("unknown log format %q", cnf.Log.Format)
	}

	if cnf.Program.ID == "" {
		cnf.Program.ID = flashloan.DefaultProgramID.String()
	}
	if _, err := types.PubkeyFromBase58(cnf.Program.ID); err != nil {
		return errors.Wrap(err, "program id")
	}
	if cnf.Program.AuthoritySeed == "" {
		cnf.Program.AuthoritySeed = flashloan.DefaultAuthoritySeed
	}
	if len(cnf.Program.AuthoritySeed) > 32 {
		return errors.New("authority seed longer than 32 bytes")
	}

	return nil
}

// FlashLoan returns the deployment the configuration describes.
func (cnf *Configuration) FlashLoan() (flashloan.Config, error) {
	id, err := types.PubkeyFromBase58(cnf.Program.ID)
	if err != nil {
		return flashloan.Config{}, errors.Wrap(err, "program id")
	}
	return flashloan.Config{
		ProgramID:     id,
		AuthoritySeed: []byte(cnf.Program.AuthoritySeed),
	}, nil
}

// ConfigureLogger applies the log level and format to logger.
func (cnf *Configuration) ConfigureLogger(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(cnf.Log.Level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	logger.SetLevel(level)

	if cnf.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
