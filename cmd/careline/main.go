package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/clinicdesk/careline/internal/calendar"
	"github.com/clinicdesk/careline/internal/dedup"
	"github.com/clinicdesk/careline/internal/flow"
	"github.com/clinicdesk/careline/internal/lockfile"
	"github.com/clinicdesk/careline/internal/messaging"
	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/poller"
	"github.com/clinicdesk/careline/internal/store"
	"github.com/clinicdesk/careline/internal/twiliowhatsapp"
	"github.com/clinicdesk/careline/internal/util"
	"github.com/clinicdesk/careline/internal/whatsapp"

	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CareLine state data
	DefaultStateDir = "/var/lib/careline"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "careline.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	slog.Info("Bootstrapping CareLine")
	if err := run(flags); err != nil {
		slog.Error("CareLine failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CareLine exited successfully")
}

// Config holds environment configuration
type Config struct {
	DBDsn        string
	WhatsAppDSN  string
	StateDir     string
	RedisAddr    string
	Transport    string
	Pharmacists  []string
	ReminderCron string
	PollInterval time.Duration
	DedupWindow  time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	dbDSN        *string
	waDSN        *string
	redisAddr    *string
	transport    *string
	reminderCron *string
	pollInterval time.Duration
	dedupWindow  time.Duration
	pharmacists  []string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DBDsn:        os.Getenv("DATABASE_URL"),
		WhatsAppDSN:  os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:     os.Getenv("CARELINE_STATE_DIR"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		Transport:    os.Getenv("CARELINE_TRANSPORT"),
		Pharmacists:  util.ParseListEnv("CARELINE_PHARMACISTS"),
		ReminderCron: os.Getenv("REMINDER_SCHEDULE"),
		PollInterval: util.ParseDurationEnv("CARELINE_POLL_INTERVAL", poller.DefaultPollInterval),
		DedupWindow:  util.ParseDurationEnv("CARELINE_DEDUP_WINDOW", dedup.DefaultWindow),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DBDsn == "" {
		config.DBDsn = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DBDsn)
	}
	// The whatsmeow session store defaults to the application database's
	// neighborhood rather than sharing its schema.
	if config.WhatsAppDSN == "" && store.DetectDSNType(config.DBDsn) == "postgres" {
		config.WhatsAppDSN = config.DBDsn
	}
	if config.Transport == "" {
		config.Transport = "whatsapp"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DBDsn != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"CARELINE_STATE_DIR", config.StateDir,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"CARELINE_TRANSPORT", config.Transport,
		"CARELINE_PHARMACISTS", len(config.Pharmacists),
		"REMINDER_SCHEDULE", config.ReminderCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:     flag.String("qr-output", "", "path to write login QR code"),
		numeric:      flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for CareLine data (overrides $CARELINE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DBDsn, "database DSN for the CareLine store (overrides $DATABASE_URL)"),
		waDSN:        flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		redisAddr:    flag.String("redis-addr", config.RedisAddr, "Redis address for the delivery dedup window (overrides $REDIS_ADDR)"),
		transport:    flag.String("transport", config.Transport, "outbound transport, whatsapp or twilio (overrides $CARELINE_TRANSPORT)"),
		reminderCron: flag.String("reminder-cron", config.ReminderCron, "cron schedule for appointment reminders (overrides $REMINDER_SCHEDULE)"),
		pollInterval: config.PollInterval,
		dedupWindow:  config.DedupWindow,
		pharmacists:  config.Pharmacists,
	}

	flag.Parse()

	// A relocated state directory drags the default SQLite path with it.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"transport", *flags.transport,
		"reminderCron", *flags.reminderCron)

	return flags
}

// run wires the store, transport, flows, and background loops together and
// blocks until a termination signal arrives.
func run(flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guard, err := openDedupCache(ctx, *flags.redisAddr, flags.dedupWindow)
	if err != nil {
		return err
	}

	svc, err := openMessagingService(flags)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	cal := calendar.NewClinicCalendar(st)

	patientReg, err := flow.NewPatientFlow(st, cal).Registry()
	if err != nil {
		return err
	}
	pharmacistReg, err := flow.NewPharmacistFlow(st).Registry()
	if err != nil {
		return err
	}

	states := flow.NewStoreBackedStateStore(st)
	engines := map[models.FlowType]*flow.Engine{
		models.FlowTypePatient:    flow.NewEngine(patientReg, states, 0),
		models.FlowTypePharmacist: flow.NewEngine(pharmacistReg, states, 0),
	}

	dialogues := poller.NewDialoguePoller(st, engines, flags.pollInterval)
	deliverer := poller.NewDeliverer(st, svc, guard, flags.pollInterval)
	if err := deliverer.RecoverStale(); err != nil {
		return err
	}

	reminders := calendar.NewReminderJob(st, *flags.reminderCron)
	if err := reminders.Start(); err != nil {
		return err
	}
	defer reminders.Stop()

	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		dialogues.Ingest(ctx, svc.Inbound(), poller.StaticFlowResolver(flags.pharmacists))
	}()
	go func() {
		defer loops.Done()
		dialogues.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		deliverer.Run(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	slog.Info("Shutting down on signal", "signal", sig)
	cancel()
	// Let the loops drain their in-flight work before the store closes.
	loops.Wait()
	return nil
}

// openStore picks the store backend from the DSN shape.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("No database DSN provided, using in-memory store; state will not survive restarts")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// openDedupCache uses Redis when configured, an in-process window otherwise.
func openDedupCache(ctx context.Context, redisAddr string, window time.Duration) (dedup.Cache, error) {
	if redisAddr == "" {
		return dedup.NewMemoryCache(window), nil
	}
	return dedup.NewRedisCacheFromAddr(ctx, redisAddr, window)
}

// openMessagingService builds the configured outbound transport.
func openMessagingService(flags Flags) (messaging.Service, error) {
	if *flags.transport == "twilio" {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	}

	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, err
	}
	return messaging.NewWhatsAppService(client), nil
}
