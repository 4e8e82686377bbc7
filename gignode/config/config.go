package config

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type GossipConfig struct {
	Fanout                   int
	PriceAmountForRouting    int64
	BroadcastPowComplexity   int
	TimestampToleranceSec    int
	BroadcastExpirationSec   int
	ContactActiveWindowHours int
	InvoiceExpirySec         int
	PaymentTimeoutSec        int
	PaymentFeeLimit          int64
	EscrowLockTimeoutSec     int
	HelloIntervalSec         int
	PreimagePollIntervalSec  int
	GigStatusPollIntervalSec int
	BackupIntervalHours      int
}

type Config struct {
	NodePrivateKey    []byte
	RelayURLs         []string
	WalletAPIUrl      string
	WalletAuthToken   string
	SettlerURLs       []string
	SettlerAuthToken  string
	DBPath            string
	MetricsListenAddr string
	MetricsNamespace  string
	GossipConfig      GossipConfig
}

func LoadConfig(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	_, err = os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(dir, os.ModePerm)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check directory: %w", err)
		}
	}

	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		_, nodePriv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}

		cfg := &Config{
			NodePrivateKey:    nodePriv.Seed(),
			RelayURLs:         []string{"wss://relay.gigmesh.io"},
			WalletAPIUrl:      "http://127.0.0.1:7878",
			WalletAuthToken:   "",
			SettlerURLs:       []string{"https://settler.gigmesh.io"},
			SettlerAuthToken:  "",
			DBPath:            "./gig-node-db",
			MetricsListenAddr: "",
			MetricsNamespace:  "gignode",
			GossipConfig: GossipConfig{
				Fanout:                   2,
				PriceAmountForRouting:    100,
				BroadcastPowComplexity:   0,
				TimestampToleranceSec:    300,
				BroadcastExpirationSec:   3600,
				ContactActiveWindowHours: 24,
				InvoiceExpirySec:         3600,
				PaymentTimeoutSec:        90,
				PaymentFeeLimit:          10000,
				EscrowLockTimeoutSec:     30,
				HelloIntervalSec:         600,
				PreimagePollIntervalSec:  15,
				GigStatusPollIntervalSec: 15,
				BackupIntervalHours:      0,
			},
		}

		err = SaveConfig(cfg, path)
		if err != nil {
			return nil, err
		}

		return cfg, nil
	} else if err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var cfg Config
		err = json.Unmarshal(data, &cfg)
		if err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	return nil, err
}

func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0766)
	if err != nil {
		return err
	}
	return nil
}
