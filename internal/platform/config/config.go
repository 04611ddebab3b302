package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cardreader/internal/card/apdu"
	"cardreader/internal/card/models"
	"cardreader/internal/output"
	"cardreader/internal/output/crypto"
	"cardreader/internal/sinks"
	dErrors "cardreader/pkg/domain-errors"
	platformstrings "cardreader/pkg/platform/strings"
)

// Environment variables read by Load.
const (
	EnvConfigPath     = "SMART_CARD_CONFIG"
	EnvEncryptionKey  = "ENCRYPTION_KEY"
	EnvAPIKeys        = "API_KEYS"
	EnvAllowedOrigins = "ALLOWED_ORIGINS"
	EnvTokenSecret    = "SUBSCRIBER_TOKEN_SECRET"
	EnvAuditDSN       = "AUDIT_DATABASE_URL"
	EnvRedisURL       = "REDIS_URL"

	DefaultConfigFile = "config.yaml"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Security  Security  `yaml:"security"`
	Output    Output    `yaml:"output"`
	Broadcast Broadcast `yaml:"broadcast"`
	Card      Card      `yaml:"card"`
	Logging   Logging   `yaml:"logging"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Audit     Audit     `yaml:"audit"`
	Redis     Redis     `yaml:"redis"`
	Sinks     Sinks     `yaml:"sinks"`

	// EncryptionKey is the decoded 32-byte key. It is only ever read from
	// the environment, never from the file.
	EncryptionKey []byte `yaml:"-"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	TLSCert        string   `yaml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Server) TLSEnabled() bool {
	return s.TLSCert != "" && s.TLSKey != ""
}

// WebSocketURL is the address clients should dial.
func (s Server) WebSocketURL() string {
	scheme := "ws"
	if s.TLSEnabled() {
		scheme = "wss"
	}
	return scheme + "://" + s.Addr() + "/ws"
}

type Security struct {
	AuthEnabled      bool     `yaml:"auth_enabled"`
	APIKeys          []string `yaml:"api_keys"`
	TokenSecret      string   `yaml:"token_secret"`
	EnableEncryption bool     `yaml:"enable_encryption"`
	EncryptedFields  []string `yaml:"encrypted_fields"`
}

type Output struct {
	Format        string            `yaml:"format"`
	DateFormat    string            `yaml:"date_format"`
	IncludePhoto  bool              `yaml:"include_photo"`
	FieldMapping  map[string]string `yaml:"field_mapping"`
	EnabledFields []string          `yaml:"enabled_fields"`
}

type Broadcast struct {
	QueueSize       int           `yaml:"queue_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	ReplayLastState bool          `yaml:"replay_last_state"`
}

// Field is one configured read command, as hex.
type Field struct {
	Name     string `yaml:"name"`
	APDU     string `yaml:"apdu"`
	Required bool   `yaml:"required"`
}

type Photo struct {
	Enabled     bool   `yaml:"enabled"`
	Command     string `yaml:"command"`
	StartOffset int    `yaml:"start_offset"`
	ChunkSize   int    `yaml:"chunk_size"`
	TotalLength int    `yaml:"total_length"`
	Required    bool   `yaml:"required"`
}

type Card struct {
	SelectAPDU       string        `yaml:"select_apdu"`
	Fields           []Field       `yaml:"fields"`
	Photo            Photo         `yaml:"photo"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	StrictDecoding   bool          `yaml:"strict_decoding"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RateLimit struct {
	Enabled             bool          `yaml:"enabled"`
	RequestsPerWindow   int           `yaml:"requests_per_window"`
	Window              time.Duration `yaml:"window"`
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	// UseRedis shares the sliding window across instances through Redis.
	UseRedis bool `yaml:"use_redis"`
}

type Audit struct {
	Enabled     bool   `yaml:"enabled"`
	Buffer      int    `yaml:"buffer"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Redis is the shared client used by the rate limiter and the Redis sink.
type Redis struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Sinks struct {
	QueueSize        int                `yaml:"queue_size"`
	FailureThreshold int                `yaml:"failure_threshold"`
	Cooldown         time.Duration      `yaml:"cooldown"`
	MQTT             *sinks.MQTTConfig  `yaml:"mqtt"`
	Redis            *sinks.RedisConfig `yaml:"redis"`
	Kafka            *sinks.KafkaConfig `yaml:"kafka"`
}

// Default returns the built-in configuration. The card section reproduces
// the Thai ID applet layout.
func Default() Config {
	return Config{
		Server: Server{Host: "127.0.0.1", Port: 8182},
		Security: Security{
			AuthEnabled: true,
			EncryptedFields: []string{
				output.KeyCitizenID,
				output.KeyBirthday,
				output.KeyAddress,
			},
		},
		Output: Output{
			Format:       string(output.FormatStandard),
			DateFormat:   string(output.DateRaw),
			IncludePhoto: true,
		},
		Broadcast: Broadcast{
			QueueSize:    16,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Card: Card{
			SelectAPDU: "00A4040008A000000054480001",
			Fields: []Field{
				{Name: models.FieldCitizenID, APDU: "80B0000402000D", Required: true},
				{Name: models.FieldFullNameTH, APDU: "80B00011020064", Required: true},
				{Name: models.FieldFullNameEN, APDU: "80B00075020064", Required: true},
				{Name: models.FieldDateOfBirth, APDU: "80B000D9020008", Required: true},
				{Name: models.FieldGender, APDU: "80B000E1020001", Required: true},
				{Name: models.FieldCardIssuer, APDU: "80B000F6020064"},
				{Name: models.FieldIssueDate, APDU: "80B00167020008", Required: true},
				{Name: models.FieldExpireDate, APDU: "80B0016F020008", Required: true},
				{Name: models.FieldAddress, APDU: "80B01579020064"},
			},
			Photo: Photo{
				Enabled:     true,
				Command:     "80B0",
				StartOffset: 0x017B,
				ChunkSize:   0xFF,
				TotalLength: 5100,
			},
			RetryAttempts:    3,
			RetryDelay:       500 * time.Millisecond,
			SettleDelay:      500 * time.Millisecond,
			PollTimeout:      2 * time.Second,
			ReconnectBackoff: 2 * time.Second,
		},
		Logging: Logging{Level: "info", Format: "text"},
		RateLimit: RateLimit{
			Enabled:             true,
			RequestsPerWindow:   60,
			Window:              time.Minute,
			MaxConnectionsPerIP: 5,
		},
		Audit: Audit{Enabled: true, Buffer: 256},
		Redis: Redis{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Sinks: Sinks{
			QueueSize:        64,
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
		},
	}
}

// Load reads path (or $SMART_CARD_CONFIG, or ./config.yaml) over the
// defaults, then applies environment overrides. A missing file is not an
// error unless it was named explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if p := os.Getenv(EnvConfigPath); p != "" {
			path, explicit = p, true
		} else {
			path = DefaultConfigFile
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Security.APIKeys = platformstrings.Dedupe(c.Security.APIKeys)
	c.Security.EncryptedFields = platformstrings.Dedupe(c.Security.EncryptedFields)
	c.Server.AllowedOrigins = platformstrings.DedupeFold(c.Server.AllowedOrigins)
	c.Output.EnabledFields = platformstrings.Dedupe(c.Output.EnabledFields)
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvAPIKeys); v != "" {
		c.Security.APIKeys = platformstrings.SplitList(v)
	}
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		c.Server.AllowedOrigins = platformstrings.SplitList(v)
	}
	if v := os.Getenv(EnvTokenSecret); v != "" {
		c.Security.TokenSecret = v
	}
	if v := os.Getenv(EnvAuditDSN); v != "" {
		c.Audit.PostgresDSN = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v, ok := os.LookupEnv(EnvEncryptionKey); ok && v != "" {
		key, err := crypto.ParseKey(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEncryptionKey, err)
		}
		c.EncryptionKey = key
	}
	return nil
}

// Validate reports the first invalid value. Encryption enabled without a
// key is an encryption_config error.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return dErrors.New(dErrors.CodeBadRequest, "server.tls_cert and server.tls_key must be set together")
	}
	if c.Security.AuthEnabled && len(c.Security.APIKeys) == 0 && c.Security.TokenSecret == "" {
		return dErrors.New(dErrors.CodeBadRequest,
			"authentication enabled but no api_keys or token_secret configured (set "+EnvAPIKeys+")")
	}
	if c.Security.EnableEncryption && len(c.EncryptionKey) == 0 {
		return dErrors.New(dErrors.CodeEncryptionConfig,
			"encryption enabled but "+EnvEncryptionKey+" is not set")
	}
	if _, err := c.OutputConfig(); err != nil {
		return err
	}
	if _, err := c.SessionConfig(); err != nil {
		return err
	}
	if _, err := c.FieldSpecs(); err != nil {
		return err
	}
	if _, err := c.PhotoSpec(); err != nil {
		return err
	}
	if c.Card.RetryAttempts < 1 {
		return dErrors.New(dErrors.CodeBadRequest, "card.retry_attempts must be at least 1")
	}
	if c.RateLimit.Enabled && c.RateLimit.UseRedis && c.Redis.URL == "" {
		return dErrors.New(dErrors.CodeBadRequest, "rate_limit.use_redis requires redis.url")
	}
	if c.Sinks.Redis != nil && c.Redis.URL == "" {
		return dErrors.New(dErrors.CodeBadRequest, "sinks.redis requires redis.url")
	}
	return nil
}

// OutputConfig converts the output and security sections.
func (c Config) OutputConfig() (output.Config, error) {
	format, err := output.ParseFormat(c.Output.Format)
	if err != nil {
		return output.Config{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "output.format")
	}
	dates, err := output.ParseDateFormat(c.Output.DateFormat)
	if err != nil {
		return output.Config{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "output.date_format")
	}
	oc := output.Config{
		Format:        format,
		DateFormat:    dates,
		EnabledFields: c.Output.EnabledFields,
		FieldMapping:  c.Output.FieldMapping,
		IncludePhoto:  c.Output.IncludePhoto,
	}
	if c.Security.EnableEncryption {
		oc.EncryptFields = c.Security.EncryptedFields
	}
	if err := oc.Validate(); err != nil {
		return output.Config{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "output")
	}
	return oc, nil
}

func (c Config) SessionConfig() (apdu.Config, error) {
	sel, err := apdu.ParseHex(c.Card.SelectAPDU)
	if err != nil {
		return apdu.Config{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "card.select_apdu")
	}
	return apdu.Config{
		SelectCommand: sel,
		Attempts:      c.Card.RetryAttempts,
		RetryDelay:    c.Card.RetryDelay,
	}, nil
}

func (c Config) FieldSpecs() ([]models.FieldSpec, error) {
	if len(c.Card.Fields) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "card.fields is empty")
	}
	seen := make(map[string]bool, len(c.Card.Fields))
	specs := make([]models.FieldSpec, 0, len(c.Card.Fields))
	for _, f := range c.Card.Fields {
		if f.Name == "" {
			return nil, dErrors.New(dErrors.CodeBadRequest, "card.fields: field without name")
		}
		if seen[f.Name] {
			return nil, dErrors.New(dErrors.CodeBadRequest, "card.fields: duplicate field "+f.Name)
		}
		seen[f.Name] = true
		cmd, err := apdu.ParseHex(f.APDU)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "card.fields."+f.Name)
		}
		specs = append(specs, models.FieldSpec{Name: f.Name, Command: cmd, Required: f.Required})
	}
	return specs, nil
}

// PhotoSpec returns nil when the photo read is disabled.
func (c Config) PhotoSpec() (*models.PhotoSpec, error) {
	p := c.Card.Photo
	if !p.Enabled {
		return nil, nil
	}
	cmd, err := hex.DecodeString(strings.ReplaceAll(p.Command, " ", ""))
	if err != nil || len(cmd) != 2 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "card.photo.command must be two hex bytes (CLA INS)")
	}
	if p.ChunkSize <= 0 || p.ChunkSize > 0xFF || p.TotalLength <= 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "card.photo: chunk_size must be 1..255 and total_length positive")
	}
	if p.StartOffset < 0 || p.StartOffset+p.TotalLength > 0xFFFF {
		return nil, dErrors.New(dErrors.CodeBadRequest, "card.photo: offsets exceed the card address space")
	}
	return &models.PhotoSpec{
		Command:     cmd,
		StartOffset: p.StartOffset,
		ChunkSize:   p.ChunkSize,
		TotalLength: p.TotalLength,
		Required:    p.Required,
	}, nil
}
