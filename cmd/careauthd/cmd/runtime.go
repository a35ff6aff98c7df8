package cmd

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/MrEthical07/careAuth/internal/config"
	"github.com/MrEthical07/careAuth/notify"
	"github.com/MrEthical07/careAuth/store/bunstore"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
)

// runtime holds the dependencies shared by serve, seed and invite.
type runtime struct {
	db       *bun.DB
	store    *bunstore.Store
	redis    *redis.Client
	mqtt     *notify.MQTTNotifier
	auditLog *os.File
	engine   *careAuth.Engine
}

func openDatabase(ctx context.Context, c *config.Config) (*bun.DB, error) {
	if got := bunstore.DetectDatabaseType(c.Database.DSN); string(got) != c.Database.Driver {
		return nil, fmt.Errorf("database.dsn looks like %s but database.driver is %s", got, c.Database.Driver)
	}
	db, err := bunstore.Open(ctx, c.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if c.Database.Driver == "postgres" && c.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.Database.MaxOpenConns)
		db.SetMaxIdleConns(c.Database.MaxOpenConns)
	}
	if c.Database.Debug {
		db.AddQueryHook(queryLogger{logger: logger})
	}
	return db, nil
}

// newRuntime connects every dependency and builds the engine. Close releases
// them in reverse order.
func newRuntime(ctx context.Context, c *config.Config) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	db, err := openDatabase(ctx, c)
	if err != nil {
		return nil, err
	}
	rt.db = db
	rt.store = bunstore.New(db)

	rt.redis = redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rt.redis.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", c.Redis.Addr, err)
	}

	var notifier careAuth.Notifier = notify.NewLogNotifier(logger)
	if c.MQTT.Enabled {
		rt.mqtt, err = notify.DialMQTT(notify.MQTTConfig{
			BrokerURL:      c.MQTT.Broker,
			ClientID:       c.MQTT.ClientID,
			Username:       c.MQTT.Username,
			Password:       c.MQTT.Password,
			QoS:            c.MQTT.QoS,
			PublishTimeout: c.MQTT.Timeout,
			TLS:            strings.HasPrefix(c.MQTT.Broker, "ssl://") || strings.HasPrefix(c.MQTT.Broker, "tls://"),
		})
		if err != nil {
			return nil, err
		}
		notifier = rt.mqtt
	}
	notifier = notify.NewRetrying(notifier, c.MQTT.Retries, 200*time.Millisecond, logger)

	sink, err := rt.auditSink(c.Auth.AuditLog)
	if err != nil {
		return nil, err
	}

	engineCfg, err := engineConfig(c)
	if err != nil {
		return nil, err
	}
	rt.engine, err = careAuth.New().
		WithConfig(engineCfg).
		WithRedis(rt.redis).
		WithStore(rt.store).
		WithNotifier(notifier).
		WithAuditSink(sink).
		WithLogger(logger).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	ok = true
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.auditLog != nil {
		_ = rt.auditLog.Close()
	}
	if rt.mqtt != nil {
		_ = rt.mqtt.Close()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}

// auditSink records events in the audit_events table and, when path is set,
// also as JSON lines in an append-only file.
func (rt *runtime) auditSink(path string) (careAuth.AuditSink, error) {
	table := careAuth.NewAppenderSink(rt.store, logger)
	switch path {
	case "":
		return table, nil
	case "-":
		return careAuth.MultiSink{table, careAuth.NewJSONWriterSink(os.Stdout)}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	rt.auditLog = f
	return careAuth.MultiSink{table, careAuth.NewJSONWriterSink(f)}, nil
}

// engineConfig maps the auth section of the daemon config onto the engine.
func engineConfig(c *config.Config) (careAuth.Config, error) {
	ac := c.Auth
	out := careAuth.DefaultConfig()

	out.JWT.SigningMethod = strings.ToLower(ac.SigningMethod)
	out.JWT.Issuer = ac.Issuer
	out.JWT.Audience = ac.Audience
	out.JWT.SessionTTL = ac.SessionTTL
	if ac.InvitationTTL > 0 {
		out.JWT.InvitationTTL = ac.InvitationTTL
	}

	key := []byte(ac.SigningKey)
	if ac.SigningKeyFile != "" {
		data, err := os.ReadFile(ac.SigningKeyFile)
		if err != nil {
			return out, fmt.Errorf("reading signing key: %w", err)
		}
		key = data
	}
	switch out.JWT.SigningMethod {
	case "ed25519":
		parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
		if err != nil {
			return out, fmt.Errorf("parsing ed25519 signing key: %w", err)
		}
		priv, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return out, errors.New("signing key is not an ed25519 private key")
		}
		out.JWT.PrivateKey = priv
		out.JWT.PublicKey = priv.Public().(ed25519.PublicKey)
	default:
		out.JWT.PrivateKey = key
	}

	out.Session.SlidingExpiration = ac.SlidingExpiration
	if ac.AbsoluteLifetime > 0 {
		out.Session.AbsoluteSessionLifetime = ac.AbsoluteLifetime
	}

	out.Ceremony.RPID = ac.RPID
	out.Ceremony.RPDisplayName = ac.RPDisplayName
	out.Ceremony.RPOrigins = ac.RPOrigins
	out.Ceremony.AllowZeroSignCount = ac.AllowZeroSignCount

	out.Login.AllowDiscoverableLogin = ac.AllowDiscoverableLogin
	out.Login.EnableIPThrottle = ac.EnableIPThrottle
	if ac.MaxLoginAttempts > 0 {
		out.Login.MaxAttempts = ac.MaxLoginAttempts
	}
	if ac.AuditBufferSize > 0 {
		out.Audit.BufferSize = ac.AuditBufferSize
	}
	return out, nil
}

// queryLogger logs every statement at debug level when database.debug is set.
type queryLogger struct {
	logger *slog.Logger
}

func (q queryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (q queryLogger) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	attrs := []any{
		"operation", event.Operation(),
		"duration", time.Since(event.StartTime),
	}
	if event.Err != nil {
		attrs = append(attrs, "error", event.Err)
	}
	q.logger.DebugContext(ctx, event.Query, attrs...)
}
