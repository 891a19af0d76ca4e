package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/tazhate/campusboard/config"
	"github.com/tazhate/campusboard/internal/api"
	"github.com/tazhate/campusboard/internal/bot"
	appLog "github.com/tazhate/campusboard/internal/log"
	"github.com/tazhate/campusboard/internal/scheduler"
	"github.com/tazhate/campusboard/internal/service"
)

var version = "dev"

// CLI is the top-level command structure for campusboard.
type CLI struct {
	Version      kong.VersionFlag `help:"Show version." short:"V"`
	Serve        ServeCmd         `cmd:"" default:"1" help:"Run the board: HTTP API, offline cache, reminders and bot."`
	Sync         SyncCmd          `cmd:"" help:"Refresh the cached events feed once and exit."`
	Reminders    RemindersCmd     `cmd:"" help:"List scheduled reminders."`
	Prune        PruneCmd         `cmd:"" help:"Drop reminders whose fire time has passed."`
	HashPassword HashPasswordCmd  `cmd:"" help:"Print a bcrypt hash for API_PASSWORD_HASH."`
}

// ServeCmd runs every component until SIGINT or SIGTERM.
type ServeCmd struct {
	ShutdownTimeout time.Duration `help:"Graceful shutdown timeout." default:"10s"`
}

func (c *ServeCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A failed install leaves the previous generation in control.
	if err := a.offline.Start(ctx, cfg.Assets); err != nil {
		appLog.Error("cache install failed", err, "version", cfg.CacheVersion)
	}

	if _, err := a.reminders.RearmOnStartup(ctx); err != nil {
		appLog.Error("re-arm reminders", err)
	}

	sched := scheduler.New(cfg, a.offline, a.hub)
	if a.calendar != nil {
		sched.SetImporter(a.calendar)
	}
	go func() {
		if err := sched.Start(ctx); err != nil {
			appLog.Error("scheduler error", err)
		}
	}()

	server := api.New(cfg, api.Deps{
		Events:        a.events,
		Reminders:     a.reminders,
		Registrations: a.registrations,
		Hub:           a.hub,
		Offline:       a.offline,
	})
	server.Start()

	if tg := a.bot(); tg != nil {
		go func() {
			if err := tg.Start(ctx); err != nil {
				appLog.Error("bot error", err)
			}
		}()
	}

	appLog.Info("campusboard started", "version", version, "cache", a.offline.Controlling())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	appLog.Info("shutting down")

	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		appLog.Error("stop http server", err)
	}

	appLog.Info("campusboard stopped")
	return nil
}

// SyncCmd refreshes the events feed and, when configured, the CalDAV import.
type SyncCmd struct {
	Timeout time.Duration `help:"Overall timeout." default:"1m"`
}

func (c *SyncCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	if !a.offline.SyncEvents(ctx) {
		return errors.New("events feed could not be refreshed")
	}
	fmt.Println("events feed refreshed")

	if a.calendar != nil {
		res, err := a.calendar.Import(ctx)
		if err != nil {
			return fmt.Errorf("calendar import: %w", err)
		}
		fmt.Printf("calendar imported: %d series, %d occurrences\n", res.Series, res.Occurrences)
	}
	return nil
}

// RemindersCmd prints the persisted reminder set.
type RemindersCmd struct{}

func (c *RemindersCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	reminders, err := a.reminders.List(context.Background())
	if err != nil {
		return err
	}
	if len(reminders) == 0 {
		fmt.Println("no reminders")
		return nil
	}
	for _, r := range reminders {
		fmt.Printf("%s  %-30s  %3d min  %s\n",
			r.FireAt.In(cfg.Timezone).Format("2006-01-02 15:04"), r.EventTitle, r.MinutesBefore, r.ID)
	}
	return nil
}

// PruneCmd drops expired reminders without sending anything.
type PruneCmd struct{}

func (c *PruneCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Pruning goes through a silent service so nothing is delivered.
	silent := service.NewReminderService(a.store, bot.Disabled{}, cfg.Timezone)
	defer silent.Stop()
	kept, err := silent.RearmOnStartup(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%d reminders kept\n", kept)
	return nil
}

// HashPasswordCmd reads a password from the terminal and prints its bcrypt hash.
type HashPasswordCmd struct {
	Cost int `help:"bcrypt cost." default:"10"`
}

func (c *HashPasswordCmd) Run() error {
	password, err := readPassword(os.Stdout, "Enter password:   ")
	if err != nil {
		return err
	}
	confirm, err := readPassword(os.Stdout, "Confirm password: ")
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}

	hash, err := hashPassword(password, c.Cost)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func hashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// readPassword reads a line without echo when stdin is a terminal.
func readPassword(w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return readLine(stdin)
	}
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

var stdin = bufio.NewReader(os.Stdin)

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("campusboard"),
		kong.Description("Campus events board with offline cache and reminders."),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
