package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	s3blob "github.com/alanyoungcy/trustbond/internal/blob/s3"
	"github.com/alanyoungcy/trustbond/internal/cache/redis"
	"github.com/alanyoungcy/trustbond/internal/config"
	"github.com/alanyoungcy/trustbond/internal/crypto"
	"github.com/alanyoungcy/trustbond/internal/domain"
	"github.com/alanyoungcy/trustbond/internal/ledger"
	"github.com/alanyoungcy/trustbond/internal/lending"
	"github.com/alanyoungcy/trustbond/internal/notify"
	"github.com/alanyoungcy/trustbond/internal/scoring"
	"github.com/alanyoungcy/trustbond/internal/service"
	"github.com/alanyoungcy/trustbond/internal/store/postgres"
)

// ledgerIdentity is the address the ledger presents to the trust scorer when
// applying penalties. Derived from a fixed label so it collides with no real
// account.
var ledgerIdentity = common.BytesToAddress(ethcrypto.Keccak256([]byte("trustbond:ledger"))[12:])

// Dependencies bundles everything the application modes need: stores, caches,
// the in-memory engines, and the services that front them. Constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	BondStore    domain.BondStore
	AccountStore domain.AccountStore
	ProfileStore domain.TrustProfileStore
	LoanStore    domain.LoanStore
	BalanceStore domain.BalanceStore
	AuditStore   domain.AuditStore

	// Caches
	ScoreCache  domain.ScoreCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Engines
	Ledger *ledger.Ledger
	Scorer *scoring.Scorer
	Pool   *lending.Pool

	// Services
	Bonds *service.BondService
	Loans *service.LoanService

	// Operator identity. Zero in monitor mode, which never settles payouts.
	Operator common.Address
	Signer   *crypto.ReceiptSigner

	// Notifications
	Notifier *notify.Notifier
}

// collateralAdapter narrows the ledger to the lending pool's Collateral
// interface. ClaimYield collapses the per-bond claims into the total the pool
// accounts recovery with.
type collateralAdapter struct {
	ledger *ledger.Ledger
}

func (c collateralAdapter) FreezeUser(caller, user common.Address, frozen bool) ([]common.Hash, error) {
	return c.ledger.FreezeUser(caller, user, frozen)
}

func (c collateralAdapter) ClaimYield(ctx context.Context, caller, user common.Address) (int64, error) {
	claims, err := c.ledger.ClaimYield(ctx, caller, user)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, claim := range claims {
		total += claim.Yield
	}
	return total, nil
}

func (c collateralAdapter) UserTotalValue(user common.Address) int64 {
	return c.ledger.UserTotalValue(user)
}

// Wire constructs all concrete dependency implementations from the given
// configuration, restores engine state from the database, and returns the
// bundle together with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.BondStore = postgres.NewBondStore(pool)
	deps.AccountStore = postgres.NewAccountStore(pool)
	deps.ProfileStore = postgres.NewTrustProfileStore(pool)
	deps.LoanStore = postgres.NewLoanStore(pool)
	deps.BalanceStore = postgres.NewBalanceStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.ScoreCache = redis.NewScoreCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- S3 blob storage (only when archival is on) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BondStore, deps.LoanStore, deps.AuditStore)
	}

	// --- Operator key ---
	// Monitor mode never settles payouts and runs without key material.
	if strings.ToLower(cfg.Mode) != "monitor" {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Operator.PrivateKey,
			EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
			KeyPassword:      cfg.Operator.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: operator key: %w", err)
		}
		signer, err := crypto.NewReceiptSigner(keyHex)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: receipt signer: %w", err)
		}
		deps.Signer = signer
		deps.Operator = signer.Address()
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Engines ---
	payer := service.NewTreasuryPayer(deps.BalanceStore, deps.Signer, deps.AuditStore, logger)

	deps.Ledger = ledger.New(ledger.Config{
		DailyYieldBps:    cfg.Ledger.DailyYieldBps,
		ExitPenaltyBps:   cfg.Ledger.ExitPenaltyBps,
		DefectPenaltyBps: cfg.Ledger.DefectPenaltyBps,
	}, deps.Operator, ledgerIdentity, payer)

	deps.Scorer = scoring.New(ledgerIdentity, deps.Ledger)
	deps.Ledger.SetPenaltySink(deps.Scorer)

	poolIdentity := common.HexToAddress(cfg.Operator.PoolIdentity)
	deps.Pool = lending.New(lending.Config{
		MaxLTVBps:    cfg.Lending.MaxLTVBps,
		BaseRateBps:  cfg.Lending.BaseRateBps,
		MinRateBps:   cfg.Lending.MinRateBps,
		BorrowFactor: cfg.Lending.BorrowFactor,
		MinDuration:  cfg.Lending.MinDuration.Duration,
	}, deps.Operator, poolIdentity, collateralAdapter{deps.Ledger}, deps.Scorer, payer)

	if deps.Operator != (common.Address{}) {
		if err := deps.Ledger.Authorize(deps.Operator, poolIdentity, true); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: authorize pool: %w", err)
		}
	}

	// --- State restore ---
	if err := service.LoadState(ctx, deps.Ledger, deps.Scorer, deps.Pool,
		deps.BondStore, deps.AccountStore, deps.ProfileStore, deps.LoanStore, logger); err != nil {
		cleanup()
		return nil, nil, err
	}

	// --- Services ---
	var alerts service.Alerter
	if len(senders) > 0 {
		alerts = deps.Notifier
	}
	deps.Bonds = service.NewBondService(deps.Ledger, deps.Scorer,
		deps.BalanceStore, deps.BondStore, deps.AccountStore, deps.ProfileStore,
		deps.ScoreCache, deps.EventBus, deps.AuditStore, alerts, logger)
	deps.Loans = service.NewLoanService(deps.Pool, deps.Ledger,
		deps.LoanStore, deps.BondStore, deps.BalanceStore,
		deps.ScoreCache, deps.EventBus, deps.AuditStore, alerts, logger)

	return deps, cleanup, nil
}
