package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultSecurityEnvironment = "local"

	defaultDatabaseDriver       = DatabaseDriverSQLite
	defaultSQLitePath           = "orders.db"
	defaultMySQLPort            = 3306
	defaultMaxOpenConns         = 20
	defaultMaxIdleConns         = 10
	defaultConnMaxLifetime      = 30 * time.Minute
	defaultAuditCollection      = "auditLogs"
	defaultEventsBackend        = EventsBackendLog
	defaultRabbitMQExchange     = "orders.events"
	defaultOrderCurrency        = "USD"
	defaultExpirationCutoff     = 24 * time.Hour
	defaultSweepInterval        = time.Hour
	defaultSweepBatchSize       = 100
	defaultCheckoutLimit        = 10
	defaultCheckoutWindow       = time.Minute
	defaultOutboxInterval       = 10 * time.Second
	defaultOutboxBatchSize      = 50
	defaultOutboxMaxAttempts    = 10
	defaultIdempotencyBackend   = "memory"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultSecretsFallbackFile  = ".secrets.local"
)

// Supported database drivers.
const (
	DatabaseDriverMySQL  = "mysql"
	DatabaseDriverSQLite = "sqlite"
)

// Supported event publishing backends for the order outbox relay.
const (
	EventsBackendPubSub   = "pubsub"
	EventsBackendRabbitMQ = "rabbitmq"
	EventsBackendLog      = "log"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Events      EventsConfig
	Orders      OrdersConfig
	Outbox      OutboxConfig
	Idempotency IdempotencyConfig
	Security    SecurityConfig
	Secrets     SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig selects the relational store holding orders, carts and stock.
// DSN wins over the discrete MySQL fields when both are set. For sqlite, Name is the file path.
type DatabaseConfig struct {
	Driver          string
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig configures the optional Redis connection. Empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores audit sink parameters.
type FirestoreConfig struct {
	ProjectID       string
	EmulatorHost    string
	AuditCollection string
}

// EventsConfig selects where relayed order events are published.
type EventsConfig struct {
	Backend          string
	PubSubTopic      string
	RabbitMQURL      string
	RabbitMQExchange string
}

// OrdersConfig controls order defaults and the expiration sweeper.
type OrdersConfig struct {
	DefaultCurrency  string
	ExpirationCutoff time.Duration
	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepEnabled     bool

	// CheckoutLimit caps order creations per customer within CheckoutWindow. Zero disables the limit.
	CheckoutLimit  int
	CheckoutWindow time.Duration
}

// OutboxConfig controls the outbox relay loop.
type OutboxConfig struct {
	Interval  time.Duration
	BatchSize int
	// MaxAttempts caps failed publishes per record; records at the cap are parked.
	MaxAttempts int
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecurityConfig groups environment level security settings.
type SecurityConfig struct {
	Environment string
}

// SecretsConfig configures secret:// reference resolution.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Database.Password") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "ORDERS_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "ORDERS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "ORDERS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "ORDERS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "ORDERS_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(stringWithDefault(lookup, "ORDERS_DB_DRIVER", defaultDatabaseDriver)),
			DSN:             stringWithDefault(lookup, "ORDERS_DB_DSN", ""),
			Host:            stringWithDefault(lookup, "ORDERS_DB_HOST", ""),
			Port:            intWithDefault(lookup, "ORDERS_DB_PORT", defaultMySQLPort),
			User:            stringWithDefault(lookup, "ORDERS_DB_USER", ""),
			Password:        stringWithDefault(lookup, "ORDERS_DB_PASSWORD", ""),
			Name:            stringWithDefault(lookup, "ORDERS_DB_NAME", ""),
			MaxOpenConns:    intWithDefault(lookup, "ORDERS_DB_MAX_OPEN_CONNS", defaultMaxOpenConns),
			MaxIdleConns:    intWithDefault(lookup, "ORDERS_DB_MAX_IDLE_CONNS", defaultMaxIdleConns),
			ConnMaxLifetime: durationWithDefault(lookup, "ORDERS_DB_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
			AutoMigrate:     boolWithDefault(lookup, "ORDERS_DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "ORDERS_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "ORDERS_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "ORDERS_REDIS_DB", 0),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "ORDERS_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "ORDERS_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:       stringWithDefault(lookup, "ORDERS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:    stringWithDefault(lookup, "ORDERS_FIRESTORE_EMULATOR_HOST", ""),
			AuditCollection: stringWithDefault(lookup, "ORDERS_FIRESTORE_AUDIT_COLLECTION", defaultAuditCollection),
		},
		Events: EventsConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "ORDERS_EVENTS_BACKEND", defaultEventsBackend)),
			PubSubTopic:      stringWithDefault(lookup, "ORDERS_EVENTS_PUBSUB_TOPIC", ""),
			RabbitMQURL:      stringWithDefault(lookup, "ORDERS_EVENTS_RABBITMQ_URL", ""),
			RabbitMQExchange: stringWithDefault(lookup, "ORDERS_EVENTS_RABBITMQ_EXCHANGE", defaultRabbitMQExchange),
		},
		Orders: OrdersConfig{
			DefaultCurrency:  strings.ToUpper(stringWithDefault(lookup, "ORDERS_DEFAULT_CURRENCY", defaultOrderCurrency)),
			ExpirationCutoff: durationWithDefault(lookup, "ORDERS_EXPIRATION_CUTOFF", defaultExpirationCutoff),
			SweepInterval:    durationWithDefault(lookup, "ORDERS_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatchSize:   intWithDefault(lookup, "ORDERS_SWEEP_BATCH_SIZE", defaultSweepBatchSize),
			SweepEnabled:     boolWithDefault(lookup, "ORDERS_SWEEP_ENABLED", true),
			CheckoutLimit:    intWithDefault(lookup, "ORDERS_CHECKOUT_LIMIT", defaultCheckoutLimit),
			CheckoutWindow:   durationWithDefault(lookup, "ORDERS_CHECKOUT_WINDOW", defaultCheckoutWindow),
		},
		Outbox: OutboxConfig{
			Interval:    durationWithDefault(lookup, "ORDERS_OUTBOX_INTERVAL", defaultOutboxInterval),
			BatchSize:   intWithDefault(lookup, "ORDERS_OUTBOX_BATCH_SIZE", defaultOutboxBatchSize),
			MaxAttempts: intWithDefault(lookup, "ORDERS_OUTBOX_MAX_ATTEMPTS", defaultOutboxMaxAttempts),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "ORDERS_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           stringWithDefault(lookup, "ORDERS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "ORDERS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "ORDERS_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "ORDERS_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "ORDERS_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "ORDERS_SECRETS_PROJECT_ID", ""),
			FallbackFile: stringWithDefault(lookup, "ORDERS_SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Database.Driver == DatabaseDriverSQLite && cfg.Database.DSN == "" && cfg.Database.Name == "" {
		cfg.Database.Name = defaultSQLitePath
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.Password", &cfg.Database.Password},
		{"Database.DSN", &cfg.Database.DSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"Events.RabbitMQURL", &cfg.Events.RabbitMQURL},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}

	switch cfg.Database.Driver {
	case DatabaseDriverSQLite:
	case DatabaseDriverMySQL:
		if cfg.Database.DSN == "" && (cfg.Database.Host == "" || cfg.Database.Name == "") {
			missing = append(missing, "Database.DSN")
		}
	default:
		missing = append(missing, "Database.Driver")
	}
	if cfg.Database.MaxOpenConns <= 0 {
		missing = append(missing, "Database.MaxOpenConns")
	}

	switch cfg.Events.Backend {
	case EventsBackendLog:
	case EventsBackendPubSub:
		if cfg.Events.PubSubTopic == "" {
			missing = append(missing, "Events.PubSubTopic")
		}
		if cfg.Firebase.ProjectID == "" {
			missing = append(missing, "Firebase.ProjectID")
		}
	case EventsBackendRabbitMQ:
		if cfg.Events.RabbitMQURL == "" {
			missing = append(missing, "Events.RabbitMQURL")
		}
	default:
		missing = append(missing, "Events.Backend")
	}

	if len(cfg.Orders.DefaultCurrency) != 3 {
		missing = append(missing, "Orders.DefaultCurrency")
	}
	if cfg.Orders.ExpirationCutoff <= 0 {
		missing = append(missing, "Orders.ExpirationCutoff")
	}
	if cfg.Orders.SweepInterval <= 0 {
		missing = append(missing, "Orders.SweepInterval")
	}
	if cfg.Orders.SweepBatchSize <= 0 {
		missing = append(missing, "Orders.SweepBatchSize")
	}
	if cfg.Orders.CheckoutLimit < 0 || (cfg.Orders.CheckoutLimit > 0 && cfg.Orders.CheckoutWindow <= 0) {
		missing = append(missing, "Orders.CheckoutWindow")
	}
	if cfg.Outbox.Interval <= 0 {
		missing = append(missing, "Outbox.Interval")
	}
	if cfg.Outbox.BatchSize <= 0 {
		missing = append(missing, "Outbox.BatchSize")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		missing = append(missing, "Outbox.MaxAttempts")
	}

	switch cfg.Idempotency.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] == "" {
			missing = append(missing, trimmed)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
