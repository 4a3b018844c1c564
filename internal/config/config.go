// Package config loads process configuration from an optional YAML file,
// an optional .env file and CUSTODY_* environment variables.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"custodyledger/internal/blob"
	blobcore "custodyledger/internal/blob/core"
	"custodyledger/internal/core"
	"custodyledger/internal/infra/blob/s3"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// EnvPrefix prefixes every environment override, e.g. CUSTODY_HTTP_ADDR.
const EnvPrefix = "CUSTODY"

type Config struct {
	App struct {
		Env string
	} `mapstructure:"app"`

	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	Storage struct {
		Driver      string
		SQLitePath  string `mapstructure:"sqlite_path"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"storage"`

	Blob struct {
		Driver string
		FSRoot string `mapstructure:"fs_root"`
		S3     struct {
			Bucket    string
			Region    string
			Endpoint  string
			PathStyle bool `mapstructure:"path_style"`
		} `mapstructure:"s3"`
	} `mapstructure:"blob"`

	Export struct {
		LinkExpiry time.Duration `mapstructure:"link_expiry"`
	} `mapstructure:"export"`

	Anchor struct {
		Driver           string
		RPCURL           string `mapstructure:"rpc_url"`
		ProgramID        string `mapstructure:"program_id"`
		AuthorityKeypair string `mapstructure:"authority_keypair"`
		Commitment       string
		Timeout          time.Duration
	} `mapstructure:"anchor"`
}

var defaults = map[string]any{
	"app.env":                  "prod",
	"http.addr":                ":8080",
	"metrics.enabled":          true,
	"storage.driver":           string(core.StorageSQLite),
	"storage.sqlite_path":      "custody.db",
	"storage.postgres_dsn":     "",
	"blob.driver":              string(blobcore.DriverFilesystem),
	"blob.fs_root":             "./exports",
	"blob.s3.bucket":           "",
	"blob.s3.region":           "us-east-1",
	"blob.s3.endpoint":         "",
	"blob.s3.path_style":       false,
	"export.link_expiry":       "15m",
	"anchor.driver":            string(core.AnchorNone),
	"anchor.rpc_url":           "http://127.0.0.1:8899",
	"anchor.program_id":        "",
	"anchor.authority_keypair": "",
	"anchor.commitment":        "confirmed",
	"anchor.timeout":           core.DefaultAnchorTimeout.String(),
}

// Load reads configuration. path may be empty, in which case only defaults,
// the .env file and the environment apply. Variables from envFile never
// replace ones already set in the process environment.
func Load(path, envFile string) (Config, error) {
	var c Config
	if envFile != "" {
		if err := gotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return c, err
		}
	}
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return c, err
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

// StorageConfig selects the ledger store.
func (c Config) StorageConfig() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// AnchorConfig selects the anchor.
func (c Config) AnchorConfig() core.AnchorConfig {
	return core.AnchorConfig{
		Driver:           core.AnchorDriver(c.Anchor.Driver),
		RPCURL:           c.Anchor.RPCURL,
		ProgramID:        c.Anchor.ProgramID,
		AuthorityKeypair: c.Anchor.AuthorityKeypair,
		Commitment:       c.Anchor.Commitment,
	}
}

// BlobConfig selects the export archive. Credentials come from the default
// AWS chain.
func (c Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blobcore.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: s3.Config{
			Bucket:    c.Blob.S3.Bucket,
			Region:    c.Blob.S3.Region,
			Endpoint:  c.Blob.S3.Endpoint,
			PathStyle: c.Blob.S3.PathStyle,
		},
	}
}
