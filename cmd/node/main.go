package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/lumberjack"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/gigmesh/gig-gossip-network/gignode"
	"github.com/gigmesh/gig-gossip-network/gignode/clients/settlerhttp"
	"github.com/gigmesh/gig-gossip-network/gignode/clients/wallethttp"
	"github.com/gigmesh/gig-gossip-network/gignode/config"
	gdb "github.com/gigmesh/gig-gossip-network/gignode/db"
	"github.com/gigmesh/gig-gossip-network/gignode/db/leveldb"
	"github.com/gigmesh/gig-gossip-network/gignode/metrics"
	"github.com/gigmesh/gig-gossip-network/gignode/transport"
	"github.com/gigmesh/gig-gossip-network/pkg/frames"
	"github.com/gigmesh/gig-gossip-network/pkg/log"
	"github.com/gigmesh/gig-gossip-network/pkg/retry"
)

var Debug = flag.Bool("debug", false, "debug logs")
var ConfigPath = flag.String("config", "./config.json", "path to config file")
var LogFile = flag.String("log-file", "", "rotate logs into this file in addition to console")

// relayEvents never takes jobs itself, it only relays traffic and logs the
// protocol events passing through.
type relayEvents struct{}

func (relayEvents) OnAcceptBroadcast(context.Context, *frames.BroadcastFrame) (*gignode.AcceptBroadcastResponse, error) {
	return nil, nil
}

func (relayEvents) OnNewResponse(_ context.Context, reply *frames.ReplyPayload, _ string, amount int64) {
	log.Info().Str("reply", reply.ReplyId.String()).Int64("amount", amount).Msg("new response received")
}

func (relayEvents) OnResponseReady(_ context.Context, requestId, replyId uuid.UUID, _ []byte) {
	log.Info().Str("request", requestId.String()).Str("reply", replyId.String()).Msg("response decrypted")
}

func (relayEvents) OnInvoiceStateChange(_ context.Context, hash string, state gdb.InvoiceState) {
	log.Info().Str("hash", hash).Str("state", state.String()).Msg("invoice state changed")
}

func (relayEvents) OnPaymentStatusChange(_ context.Context, hash string, status gdb.PaymentStatus) {
	log.Info().Str("hash", hash).Str("status", status.String()).Msg("payment status changed")
}

func (relayEvents) OnCancelBroadcast(_ context.Context, frame *frames.CancelBroadcastFrame) {
	log.Info().Str("request", frame.SignedCancelRequestPayload.Id.String()).Msg("broadcast cancelled")
}

func main() {
	flag.Parse()

	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   *LogFile,
			MaxSize:    64,
			MaxBackups: 8,
			MaxAge:     30,
		}
		logger = zerolog.New(zerolog.MultiLevelWriter(zerolog.NewConsoleWriter(), rotated)).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	}
	if *Debug {
		logger = logger.Level(zerolog.DebugLevel)
	}
	zlog.Logger = logger
	log.SetLogger(logger)

	cfg, err := config.LoadConfig(*ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
		return
	}

	if len(cfg.NodePrivateKey) != ed25519.SeedSize {
		log.Fatal().Msg("invalid node private key in config")
		return
	}
	key := ed25519.NewKeyFromSeed(cfg.NodePrivateKey)

	metrics.RegisterMetrics(cfg.MetricsNamespace)
	if cfg.MetricsListenAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	storage, isNew, err := leveldb.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
		return
	}
	defer storage.Close()
	if isNew {
		log.Info().Str("path", cfg.DBPath).Msg("initialized fresh database")
	}

	database := gdb.NewDB(storage, key.Public().(ed25519.PublicKey))

	if tasks, err := database.DumpTasks(context.Background()); err != nil {
		log.Warn().Err(err).Msg("failed to inspect task queue")
	} else {
		pending := 0
		for _, t := range tasks {
			if t.CompletedAt == nil {
				pending++
			}
		}
		if pending > 0 {
			log.Info().Int("pending", pending).Msg("resuming unfinished tasks")
		}
	}

	if h := cfg.GossipConfig.BackupIntervalHours; h > 0 {
		go func() {
			for {
				time.Sleep(time.Duration(h) * time.Hour)
				if err := database.Backup(); err != nil {
					log.Error().Err(err).Msg("database backup failed")
					continue
				}
				log.Info().Msg("database backup completed")
			}
		}()
	}

	if len(cfg.RelayURLs) == 0 {
		log.Fatal().Msg("at least one relay url must be configured")
		return
	}
	relay := transport.NewWebsocketRelay(cfg.RelayURLs[0])
	defer relay.Close()

	session := transport.NewSession(key, relay, database, database, retry.DefaultPolicy())
	session.SetSettingsHandler(func(_ context.Context, data []byte) {
		var gc config.GossipConfig
		if err := json.Unmarshal(data, &gc); err != nil {
			log.Debug().Err(err).Msg("dropping unreadable settings event")
			return
		}
		log.Info().Msg("gossip settings snapshot received from relay")
	})

	wallet := wallethttp.NewClient(cfg.WalletAPIUrl, cfg.WalletAuthToken)
	settlers := gignode.NewStaticSettlerDirectory()
	for _, uri := range cfg.SettlerURLs {
		settlers.Register(settlerhttp.NewClient(uri, cfg.SettlerAuthToken))
	}

	node := gignode.NewNode(key, database, session, wallet, settlers, relayEvents{}, nodeConfig(cfg.GossipConfig))
	node.Start()
	log.Info().Str("key", node.PublicKey()).Msg("gig gossip node started")

	// publish the settings snapshot so other devices of this key can read it
	if data, err := json.Marshal(cfg.GossipConfig); err == nil {
		if err = session.SaveSettings(context.Background(), data); err != nil {
			log.Warn().Err(err).Msg("failed to publish settings snapshot")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	node.Stop()
}

func nodeConfig(gc config.GossipConfig) gignode.Config {
	cfg := gignode.DefaultConfig()
	if gc.Fanout > 0 {
		cfg.Fanout = gc.Fanout
	}
	if gc.PriceAmountForRouting >= 0 {
		cfg.PriceAmountForRouting = gc.PriceAmountForRouting
	}
	if gc.BroadcastPowComplexity > 0 {
		cfg.BroadcastPowComplexity = gc.BroadcastPowComplexity
	}
	if gc.TimestampToleranceSec > 0 {
		cfg.TimestampTolerance = time.Duration(gc.TimestampToleranceSec) * time.Second
	}
	if gc.BroadcastExpirationSec > 0 {
		cfg.BroadcastExpiration = time.Duration(gc.BroadcastExpirationSec) * time.Second
	}
	if gc.ContactActiveWindowHours > 0 {
		cfg.ContactActiveWindow = time.Duration(gc.ContactActiveWindowHours) * time.Hour
	}
	if gc.InvoiceExpirySec > 0 {
		cfg.InvoiceExpiry = time.Duration(gc.InvoiceExpirySec) * time.Second
	}
	if gc.PaymentTimeoutSec > 0 {
		cfg.PaymentTimeout = time.Duration(gc.PaymentTimeoutSec) * time.Second
	}
	if gc.PaymentFeeLimit > 0 {
		cfg.PaymentFeeLimit = gc.PaymentFeeLimit
	}
	if gc.EscrowLockTimeoutSec > 0 {
		cfg.EscrowLockTimeout = time.Duration(gc.EscrowLockTimeoutSec) * time.Second
	}
	if gc.HelloIntervalSec > 0 {
		cfg.HelloInterval = time.Duration(gc.HelloIntervalSec) * time.Second
	}
	if gc.PreimagePollIntervalSec > 0 {
		cfg.PreimagePollInterval = time.Duration(gc.PreimagePollIntervalSec) * time.Second
	}
	if gc.GigStatusPollIntervalSec > 0 {
		cfg.GigStatusPollInterval = time.Duration(gc.GigStatusPollIntervalSec) * time.Second
	}
	return cfg
}
