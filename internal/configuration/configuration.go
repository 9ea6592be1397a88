package configuration

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/store/kind"
)

var (
	defaultListenAddress      = ":8080"
	defaultNatsConnectTimeout = 100 * time.Millisecond
	defaultNatsBucket         = "robosync-robots"
	defaultRedisKeyPrefix     = "robosync"
	defaultHTTPStoreTimeout   = 10 * time.Second
	defaultHTTPStoreRetryMax  = 3
	defaultServiceScope       = "robosync:documents"
)

// NatsOptions holds NATS JetStream KV record store configuration.
type NatsOptions struct {
	URL            string        `mapstructure:"url"`
	CredsFile      string        `mapstructure:"creds_file"`
	Bucket         string        `mapstructure:"bucket"`
	KVReplicas     int           `mapstructure:"kv_replicas"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func newNatsOptions() *NatsOptions {
	return &NatsOptions{
		Bucket:         defaultNatsBucket,
		ConnectTimeout: defaultNatsConnectTimeout,
	}
}

// PostgresOptions holds postgres record store configuration.
type PostgresOptions struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisOptions holds redis record store configuration.
type RedisOptions struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// HTTPStoreOptions defines configuration for a remote robosync document API used as the record store.
type HTTPStoreOptions struct {
	Endpoint             string        `mapstructure:"endpoint"`
	Timeout              time.Duration `mapstructure:"timeout"`
	RetryMax             int           `mapstructure:"retry_max"`
	OidcIssuerEndpoint   string        `mapstructure:"oidc_issuer_endpoint"`
	OidcAudienceEndpoint string        `mapstructure:"oidc_audience_endpoint"`
	OidcClientSecret     string        `mapstructure:"oidc_client_secret"`
	OidcClientID         string        `mapstructure:"oidc_client_id"`
	OidcClientScopes     []string      `mapstructure:"oidc_client_scopes"`
	DisableOAuth         bool          `mapstructure:"disable_oauth"`
}

func newHTTPStoreOptions() *HTTPStoreOptions {
	return &HTTPStoreOptions{
		Timeout:  defaultHTTPStoreTimeout,
		RetryMax: defaultHTTPStoreRetryMax,
	}
}

// AuthOptions configures how API requests are mapped to an owner.
type AuthOptions struct {
	// Disable trusts the owner header instead of verifying a bearer token, for local use only.
	Disable            bool   `mapstructure:"disable"`
	OidcIssuerEndpoint string `mapstructure:"oidc_issuer_endpoint"`
	OidcAudience       string `mapstructure:"oidc_audience"`
	// ServiceScope is the token scope letting a peer use the owner document API for any owner.
	ServiceScope       string `mapstructure:"service_scope"`
}

// Configuration holds application configuration read from a YAML or set by env variables.
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// ListenAddress is where the HTTP API is served.
	ListenAddress string `mapstructure:"listen_address"`

	// StoreKindName selects the record store backend, one of memory, postgres, nats, redis, http.
	StoreKindName string `mapstructure:"store_kind"`

	// StoreKind is the parsed StoreKindName.
	StoreKind kind.Store `mapstructure:"-"`

	Postgres  *PostgresOptions  `mapstructure:"postgres"`
	Nats      *NatsOptions      `mapstructure:"nats"`
	Redis     *RedisOptions     `mapstructure:"redis"`
	HTTPStore *HTTPStoreOptions `mapstructure:"http_store"`
	Auth      *AuthOptions      `mapstructure:"auth"`

	EnableProfiling bool `mapstructure:"enable_profiling"`
}

// New creates an empty configuration struct.
func New() *Configuration {
	config := &Configuration{ListenAddress: defaultListenAddress}

	// these are initialized here so viper can read in configuration from env vars
	// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
	config.Postgres = &PostgresOptions{}
	config.Nats = newNatsOptions()
	config.Redis = &RedisOptions{KeyPrefix: defaultRedisKeyPrefix}
	config.HTTPStore = newHTTPStoreOptions()
	config.Auth = &AuthOptions{ServiceScope: defaultServiceScope}

	return config
}

func (c *Configuration) AsLogFields() []any {
	return []any{
		"logLevel", c.LogLevel,
		"listenAddress", c.ListenAddress,
		"storeKind", c.StoreKind.String(),
		"natsURL", c.Nats.URL,
		"natsBucket", c.Nats.Bucket,
		"redisAddr", c.Redis.Addr,
		"httpStoreEndpoint", c.HTTPStore.Endpoint,
		"authDisabled", c.Auth.Disable,
		"enableProfiling", c.EnableProfiling,
	}
}

func (c *Configuration) LoadArgs(args *model.Args) {
	c.LogLevel = args.LogLevel
	c.EnableProfiling = args.EnableProfiling
}

// Load the application configuration
// Reads in the configFile when available and overrides from environment variables.
func Load(args *model.Args) (*Configuration, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigType("yaml")
	viperConfig.SetEnvPrefix(model.AppName)
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.AutomaticEnv()

	if args.ConfigFile != "" {
		fh, err := os.Open(args.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, err.Error())
		}
		defer fh.Close()

		if err = viperConfig.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(model.ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	config := New()

	if err := config.envBindVars(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
	}

	if err := viperConfig.Unmarshal(config); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "Unmarshal error: "+err.Error())
	}

	// command line arguments win over file and env values when set
	if args.LogLevel != "" {
		config.LogLevel = args.LogLevel
	}

	if args.EnableProfiling {
		config.EnableProfiling = true
	}

	config.envVarAppOverrides(viperConfig)

	if err := config.envVarStoreOverrides(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "store env overrides error: "+err.Error())
	}

	return config, nil
}

func (c *Configuration) envVarAppOverrides(viperConfig *viper.Viper) {
	logLevel := viperConfig.GetString("log.level")
	if logLevel != "" {
		c.LogLevel = logLevel
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (c *Configuration) envBindVars(viperConfig *viper.Viper) error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(c, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten configuration")
	}

	for k := range flat {
		if err := viperConfig.BindEnv(k); err != nil {
			return errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

func (c *Configuration) envVarStoreOverrides(viperConfig *viper.Viper) error {
	if name := viperConfig.GetString("store.kind"); name != "" {
		c.StoreKindName = name
	}

	storeKind, err := kind.FromString(c.StoreKindName)
	if err != nil {
		return errors.Wrap(err, c.StoreKindName)
	}

	c.StoreKind = storeKind

	switch storeKind {
	case kind.Postgres:
		return c.envVarPostgresOverrides(viperConfig)
	case kind.Nats:
		return c.envVarNatsOverrides(viperConfig)
	case kind.Redis:
		return c.envVarRedisOverrides(viperConfig)
	case kind.HTTP:
		return c.envVarHTTPStoreOverrides(viperConfig)
	default:
		return nil
	}
}

func (c *Configuration) envVarPostgresOverrides(viperConfig *viper.Viper) error {
	if c.Postgres == nil {
		c.Postgres = &PostgresOptions{}
	}

	if viperConfig.GetString("postgres.dsn") != "" {
		c.Postgres.DSN = viperConfig.GetString("postgres.dsn")
	}

	if c.Postgres.DSN == "" {
		return errors.New("missing parameter: postgres.dsn")
	}

	return nil
}

// nolint:gocyclo // nats env configuration load is cyclomatic
func (c *Configuration) envVarNatsOverrides(viperConfig *viper.Viper) error {
	if c.Nats == nil {
		c.Nats = newNatsOptions()
	}

	if viperConfig.GetString("nats.url") != "" {
		c.Nats.URL = viperConfig.GetString("nats.url")
	}

	if c.Nats.URL == "" {
		return errors.New("missing parameter: nats.url")
	}

	if viperConfig.GetString("nats.creds.file") != "" {
		c.Nats.CredsFile = viperConfig.GetString("nats.creds.file")
	}

	if viperConfig.GetDuration("nats.connect.timeout") != 0 {
		c.Nats.ConnectTimeout = viperConfig.GetDuration("nats.connect.timeout")
	}

	if viperConfig.GetInt("nats.kv.replicas") != 0 {
		c.Nats.KVReplicas = viperConfig.GetInt("nats.kv.replicas")
	}

	if c.Nats.Bucket == "" {
		c.Nats.Bucket = defaultNatsBucket
	}

	return nil
}

func (c *Configuration) envVarRedisOverrides(viperConfig *viper.Viper) error {
	if c.Redis == nil {
		c.Redis = &RedisOptions{}
	}

	if viperConfig.GetString("redis.addr") != "" {
		c.Redis.Addr = viperConfig.GetString("redis.addr")
	}

	if c.Redis.Addr == "" {
		return errors.New("missing parameter: redis.addr")
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = defaultRedisKeyPrefix
	}

	return nil
}

// nolint:gocyclo // parameter validation is cyclomatic
func (c *Configuration) envVarHTTPStoreOverrides(viperConfig *viper.Viper) error {
	if c.HTTPStore == nil {
		c.HTTPStore = newHTTPStoreOptions()
	}

	if viperConfig.GetString("http_store.endpoint") != "" {
		c.HTTPStore.Endpoint = viperConfig.GetString("http_store.endpoint")
	}

	if c.HTTPStore.Endpoint == "" {
		return errors.New("missing parameter: http_store.endpoint")
	}

	// Validate endpoint
	if _, err := url.ParseRequestURI(c.HTTPStore.Endpoint); err != nil {
		return errors.New("http_store endpoint URL error: " + err.Error())
	}

	if viperConfig.GetString("http_store.disable.oauth") != "" {
		c.HTTPStore.DisableOAuth = viperConfig.GetBool("http_store.disable.oauth")
	}

	if c.HTTPStore.DisableOAuth {
		return nil
	}

	if c.HTTPStore.OidcIssuerEndpoint == "" {
		return errors.New("http_store oidc_issuer_endpoint not defined")
	}

	if c.HTTPStore.OidcClientID == "" {
		return errors.New("http_store oidc_client_id not defined")
	}

	if c.HTTPStore.OidcClientSecret == "" {
		return errors.New("http_store oidc_client_secret not defined")
	}

	if len(c.HTTPStore.OidcClientScopes) == 0 {
		return errors.New("http_store oidc_client_scopes not defined")
	}

	return nil
}
