package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"oss.nandlabs.io/golly/lifecycle"

	"github.com/tuxofil/pote/catalog"
	"github.com/tuxofil/pote/core"
	"github.com/tuxofil/pote/storage"
	"github.com/tuxofil/pote/web"
)

// DaemonCommand boots and runs the whole service: one JobQueue, one Warden
// and one scratch directory per environment slot, a TestCatalog, an
// Archive, the Scheduler tying them together, and the HTTP front-end
// (spec.md §5), grounded on netresearch-ofelia's cli/daemon.go.
type DaemonCommand struct {
	ConfigFile string `long:"config" env:"POTE_CONFIG" description:"Config file path" default:"/etc/pote/pote.ini"`
	LogLevel   string `long:"log-level" env:"POTE_LOG_LEVEL" description:"Log level (debug,info,warning,error)"`

	Logger *logrus.Logger
}

// Execute runs the daemon until it receives a shutdown signal.
func (c *DaemonCommand) Execute(_ []string) error {
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if err := applyLogLevel(c.Logger, c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	adapter := &core.LogrusAdapter{Logger: c.Logger}

	cfg, err := LoadConfig(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.EnvosCount <= 0 {
		return fmt.Errorf("envos-count must be positive, got %d", cfg.EnvosCount)
	}

	shutdown := core.NewShutdownManager(adapter, 30*time.Second)

	tests := catalog.New(cfg.TestsPath, adapter)
	archive := storage.NewArchive(cfg.ArchivePath, adapter)

	queues := make([]core.Persister, cfg.EnvosCount)
	for envo := range queues {
		queues[envo] = storage.NewJobQueue(filepath.Join(cfg.QueuePath, strconv.Itoa(envo)), adapter)
	}

	// wardens is allocated up front and filled in below: Scheduler needs the
	// slice at construction time, but each Warden needs the Scheduler itself
	// as its EventSink. Both sides share the same backing array, so filling
	// it in after NewScheduler is safe — nothing reads it before Start.
	wardens := make([]core.Dispatcher, cfg.EnvosCount)
	scheduler := core.NewScheduler(queues, wardens, archive, adapter)
	for envo := range wardens {
		workDir := filepath.Join(cfg.EnvosPath, strconv.Itoa(envo))
		wardens[envo] = core.NewWarden(envo, workDir, cfg.TestsPath, scheduler, adapter)
	}

	server := web.NewServer(cfg.Addr(), scheduler, tests, archive, adapter)

	manager := lifecycle.NewSimpleComponentManager()
	manager.Register(scheduler)
	manager.Register(server)

	if err := manager.Start(scheduler.Id()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	for _, w := range wardens {
		w.(*core.Warden).Start()
	}
	if err := manager.Start(server.Id()); err != nil {
		return fmt.Errorf("start web server: %w", err)
	}

	shutdown.RegisterHook(core.ShutdownHook{
		Name:     "web",
		Priority: 0,
		Hook:     func(context.Context) error { return manager.Stop(server.Id()) },
	})
	shutdown.RegisterHook(core.ShutdownHook{
		Name:     "scheduler",
		Priority: 10,
		Hook:     func(context.Context) error { return manager.Stop(scheduler.Id()) },
	})

	adapter.Noticef("pote daemon listening on %s", cfg.Addr())
	return c.waitForSignalThenShutdown(shutdown)
}

// waitForSignalThenShutdown blocks until SIGINT/SIGTERM/SIGQUIT, then runs
// the registered shutdown hooks to completion and returns their result.
func (c *DaemonCommand) waitForSignalThenShutdown(shutdown *core.ShutdownManager) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigChan
	c.Logger.Warnf("received signal %v, shutting down", sig)
	return shutdown.Shutdown()
}

func applyLogLevel(logger *logrus.Logger, level string) error {
	if level == "" {
		return nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(parsed)
	return nil
}
