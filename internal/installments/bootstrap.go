package installments

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"lmsBack/internal/installments/archive"
	"lmsBack/internal/installments/dispatch"
	"lmsBack/internal/installments/enroll"
	"lmsBack/internal/installments/gateway"
	installmentshttp "lmsBack/internal/installments/http"
	"lmsBack/internal/installments/notify"
	"lmsBack/internal/installments/ops"
	"lmsBack/internal/installments/reconcile"
	"lmsBack/internal/installments/repo"
	"lmsBack/internal/installments/retry"
	"lmsBack/internal/installments/spool"
	"lmsBack/utils"
)

const (
	archiveProvider = "airbapay"
	lockSlack       = time.Minute
)

type moduleState struct {
	store       *repo.Store
	gateway     gateway.Gateway
	notifier    notify.Notifier
	engine      *reconcile.Engine
	dispatcher  *dispatch.Dispatcher
	scheduler   *retry.Scheduler
	enrollments *enroll.Service
	hub         *ops.Hub
	rollbar     *ops.Rollbar
	spool       *spool.Spool
	server      *installmentshttp.Server
}

func ensureModule(deps *InstallmentsDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}
	cfg := deps.Config
	ctx := context.Background()

	gw := deps.Gateway
	if gw == nil {
		client, err := gateway.NewAirbaPay(gateway.AirbaPayConfig{
			Username:    cfg.AirbaPayUsername,
			Password:    cfg.AirbaPayPassword,
			TerminalID:  cfg.AirbaPayTerminalID,
			BaseURL:     cfg.AirbaPayBaseURL,
			CallbackURL: cfg.AirbaPayCallbackURL,
			Client:      deps.HTTPClient,
			Logger:      slog.Default(),
		})
		if err != nil {
			return nil, err
		}
		gw = client
	}

	notifier := deps.Notifier
	if notifier == nil {
		var multi notify.Multi
		if cfg.FirebaseCredentialsFile != "" {
			fcm, err := notify.NewFCMFromCredentials(ctx, cfg.FirebaseCredentialsFile, "")
			if err != nil {
				return nil, err
			}
			multi = append(multi, fcm)
		}
		if cfg.SendGridAPIKey != "" {
			multi = append(multi, notify.NewSendGrid(cfg.SendGridAPIKey, cfg.MailFromName, cfg.MailFromAddress))
		}
		notifier = multi
	}

	policy := dispatch.RetryPolicy{MaxRetries: cfg.MaxRetries, Schedule: cfg.RetryBackoff}
	store := repo.NewStore(deps.DB, deps.Driver)
	hub := ops.NewHub(deps.Logger)

	engine := reconcile.New(store, policy, notifier, deps.Logger)
	if err := engine.SetActivationPolicy(cfg.ActivationPolicy); err != nil {
		return nil, err
	}
	engine.SetDisputeReader(gw)
	engine.AddIssueSink(hub)

	var rb *ops.Rollbar
	if cfg.RollbarToken != "" {
		host, _ := os.Hostname()
		rb = ops.NewRollbar(cfg.RollbarToken, cfg.RollbarEnvironment, host)
		engine.AddIssueSink(rb)
	}

	dispatcher := dispatch.New(store, gw, policy, notifier, deps.Logger)

	var lock retry.Locker
	if deps.RDB != nil {
		lock = retry.NewRedisLock(deps.RDB, "", cfg.RunBudget+lockSlack)
	}
	scheduler := retry.New(store, dispatcher, lock, deps.Logger, retry.ConfigAdapter{
		MaxRetries:      cfg.MaxRetries,
		BatchSize:       cfg.BatchSize,
		Workers:         cfg.Workers,
		RunBudget:       cfg.RunBudget,
		InvoiceLead:     cfg.InvoiceLead,
		OverdueGrace:    cfg.OverdueGrace,
		GatewayInterval: cfg.GatewayInterval,
	})
	enrollments := enroll.NewService(store)

	server := installmentshttp.NewServer(installmentshttp.Config{
		Provider:       archiveProvider,
		WebhookSecret:  cfg.WebhookSecret,
		CronSecretHash: []byte(cfg.CronSecretHash),
		ChargeTimeout:  cfg.ChargeTimeout,
	}, deps.Logger, store, engine, dispatcher, scheduler, enrollments, hub)

	putter := deps.Archive
	if putter == nil && cfg.ArchiveBucket != "" {
		client, err := utils.NewS3Client(utils.S3Config{
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Region:    cfg.ArchiveRegion,
			Endpoint:  cfg.ArchiveEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("init archive client: %w", err)
		}
		putter = client
	}
	if putter != nil {
		server.SetArchive(archive.NewS3Archive(putter, cfg.ArchiveBucket, cfg.ArchivePrefix))
	}

	var sp *spool.Spool
	if cfg.SpoolPath != "" {
		var err error
		sp, err = spool.Open(cfg.SpoolPath)
		if err != nil {
			return nil, fmt.Errorf("open webhook spool: %w", err)
		}
		server.SetSpool(sp)
	}

	deps.module = &moduleState{
		store:       store,
		gateway:     gw,
		notifier:    notifier,
		engine:      engine,
		dispatcher:  dispatcher,
		scheduler:   scheduler,
		enrollments: enrollments,
		hub:         hub,
		rollbar:     rb,
		spool:       sp,
		server:      server,
	}
	return deps.module, nil
}

// RegisterInstallmentsRoutes wires HTTP and WebSocket routes into the provided mux.
func RegisterInstallmentsRoutes(mux *pat.PatternServeMux, admin alice.Chain, deps *InstallmentsDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	module.server.Register(mux, admin)
	return nil
}

// StartInstallmentsWorkers launches the periodic retry run and the spool replayer.
func StartInstallmentsWorkers(ctx context.Context, deps *InstallmentsDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	go module.scheduler.Run(ctx, deps.Config.RetryTick)
	if module.spool != nil {
		go module.spool.Replay(ctx, deps.Config.SpoolReplayEvery, module.server.Replay, deps.Logger)
	}
	return nil
}

// RunRetryOnce performs a single retry run outside the HTTP trigger.
func RunRetryOnce(ctx context.Context, deps *InstallmentsDeps) (retry.Report, error) {
	module, err := ensureModule(deps)
	if err != nil {
		return retry.Report{}, err
	}
	return module.scheduler.RunOnce(ctx)
}

// ChargeNow dispatches and charges one entry regardless of its due date or retry count.
func ChargeNow(ctx context.Context, deps *InstallmentsDeps, entryID string) (dispatch.Result, error) {
	module, err := ensureModule(deps)
	if err != nil {
		return dispatch.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, deps.Config.ChargeTimeout)
	defer cancel()
	return module.dispatcher.Dispatch(ctx, entryID, true)
}

// ListIssues returns the operator queue, newest first.
func ListIssues(ctx context.Context, deps *InstallmentsDeps, includeResolved bool, limit int) ([]repo.Issue, error) {
	module, err := ensureModule(deps)
	if err != nil {
		return nil, err
	}
	return module.store.ListIssues(ctx, includeResolved, limit)
}

// CloseInstallments releases the spool file and flushes error reporting.
func CloseInstallments(deps *InstallmentsDeps) {
	if deps.module == nil {
		return
	}
	if deps.module.spool != nil {
		if err := deps.module.spool.Close(); err != nil {
			deps.Logger.Errorf("installments: close spool: %v", err)
		}
	}
	if deps.module.rollbar != nil {
		deps.module.rollbar.Close()
	}
}
