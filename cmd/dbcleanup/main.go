// Package main is the operator maintenance tool for the API manager database.
// It prints row counts and can wipe logs, keys, users or everything, purge
// stale unverified accounts, and seed a default admin account. Destructive
// actions prompt for "yes" on stdin unless -confirm is given.
//
// Usage:
//
//	dbcleanup -stats
//	dbcleanup -clean-logs -confirm
//	dbcleanup -purge-unverified 30
//	dbcleanup -reset-all -create-admin
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/api-manager/api-manager/internal/auth"
	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// statsOrder fixes the print order of TableCounts
var statsOrder = []struct{ table, label string }{
	{"users", "Users"},
	{"api_keys", "API Keys"},
	{"api_usage", "Usage Logs"},
	{"login_history", "Login History"},
}

// Table sets removed by each cleanup, children first so foreign keys hold
var (
	cleanUsersTables = []string{"api_usage", "api_keys", "login_history", "users"}
	cleanKeysTables  = []string{"api_usage", "api_keys"}
	cleanLogsTables  = []string{"api_usage", "login_history"}
)

type options struct {
	stats           bool
	cleanUsers      bool
	cleanKeys       bool
	cleanLogs       bool
	resetAll        bool
	purgeUnverified int
	createAdmin     bool
	adminUsername   string
	adminEmail      string
	adminPassword   string
	confirm         bool
}

func (o *options) destructive() bool {
	return o.cleanUsers || o.cleanKeys || o.cleanLogs || o.resetAll || o.purgeUnverified > 0
}

func main() {
	var opts options
	flag.BoolVar(&opts.stats, "stats", false, "show row counts and exit")
	flag.BoolVar(&opts.cleanUsers, "clean-users", false, "remove all users and related data")
	flag.BoolVar(&opts.cleanKeys, "clean-keys", false, "remove all API keys and usage logs")
	flag.BoolVar(&opts.cleanLogs, "clean-logs", false, "remove all usage and login logs")
	flag.BoolVar(&opts.resetAll, "reset-all", false, "truncate every table")
	flag.IntVar(&opts.purgeUnverified, "purge-unverified", 0, "remove unverified accounts older than N days")
	flag.BoolVar(&opts.createAdmin, "create-admin", false, "create a default admin user when none exists")
	flag.StringVar(&opts.adminUsername, "admin-username", "admin", "username for -create-admin")
	flag.StringVar(&opts.adminEmail, "admin-email", "admin@apimanager.com", "email for -create-admin")
	flag.StringVar(&opts.adminPassword, "admin-password", "Admin123!", "password for -create-admin")
	flag.BoolVar(&opts.confirm, "confirm", false, "skip confirmation prompts")
	flag.Parse()

	if flag.NFlag() == 0 {
		flag.Usage()
		return
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	t := &tool{
		db:         db,
		users:      repositories.NewUserRepository(db.DB),
		stats:      repositories.NewStatsRepository(db),
		bcryptCost: cfg.Auth.BcryptCost,
		in:         bufio.NewReader(os.Stdin),
		out:        os.Stdout,
		now:        time.Now,
	}
	if err := t.run(context.Background(), &opts); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// tool carries the connections and I/O used by every operation
type tool struct {
	db         *sqlx.DB
	users      *repositories.UserRepository
	stats      *repositories.StatsRepository
	bcryptCost int
	in         *bufio.Reader
	out        io.Writer
	now        func() time.Time
}

func (t *tool) run(ctx context.Context, opts *options) error {
	fmt.Fprintln(t.out, "API Manager Database Cleanup Tool")
	fmt.Fprintln(t.out, strings.Repeat("=", 40))

	if opts.stats || opts.destructive() {
		fmt.Fprintln(t.out, "\nCurrent Database Statistics:")
		if err := t.printStats(ctx); err != nil {
			return err
		}
	}
	if opts.stats {
		return nil
	}

	performed := false
	steps := []struct {
		enabled bool
		prompt  string
		action  func(context.Context) (string, error)
	}{
		{opts.cleanUsers, "This will delete ALL users and their data.", func(ctx context.Context) (string, error) {
			return "All users and related data deleted.", t.deleteAll(ctx, cleanUsersTables)
		}},
		{opts.cleanKeys, "This will delete ALL API keys and usage logs.", func(ctx context.Context) (string, error) {
			return "All API keys and usage logs deleted.", t.deleteAll(ctx, cleanKeysTables)
		}},
		{opts.cleanLogs, "This will delete ALL usage and login logs.", func(ctx context.Context) (string, error) {
			return "All logs deleted.", t.deleteAll(ctx, cleanLogsTables)
		}},
		{opts.resetAll, "This will COMPLETELY RESET the database.", func(ctx context.Context) (string, error) {
			return "Database reset.", t.truncateAll(ctx)
		}},
		{opts.purgeUnverified > 0, fmt.Sprintf("This will delete unverified accounts older than %d days.", opts.purgeUnverified),
			func(ctx context.Context) (string, error) {
				n, err := t.users.DeleteUnverifiedBefore(ctx, t.now().UTC().AddDate(0, 0, -opts.purgeUnverified))
				return fmt.Sprintf("%d unverified accounts deleted.", n), err
			}},
	}

	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if !opts.confirm && !t.ask(step.prompt) {
			fmt.Fprintln(t.out, "Operation cancelled.")
			continue
		}
		msg, err := step.action(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(t.out, msg)
		performed = true
	}

	if opts.createAdmin {
		created, err := t.createAdmin(ctx, opts.adminUsername, opts.adminEmail, opts.adminPassword)
		if err != nil {
			return err
		}
		performed = performed || created
	}

	if !performed {
		fmt.Fprintln(t.out, "\nNo operations performed.")
		return nil
	}
	fmt.Fprintln(t.out, "\nFinal Database Statistics:")
	if err := t.printStats(ctx); err != nil {
		return err
	}
	fmt.Fprintln(t.out, "\nDatabase cleanup completed.")
	return nil
}

func (t *tool) ask(prompt string) bool {
	fmt.Fprintf(t.out, "%s Continue? (yes/no): ", prompt)
	answer, _ := t.in.ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(answer), "yes")
}

func (t *tool) printStats(ctx context.Context) error {
	counts, err := t.stats.TableCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to read table counts: %w", err)
	}
	for _, s := range statsOrder {
		fmt.Fprintf(t.out, "   %s: %d\n", s.label, counts[s.table])
	}
	return nil
}

// deleteAll empties the given tables inside one transaction
func (t *tool) deleteAll(ctx context.Context, tables []string) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	for _, table := range tables {
		// #nosec G202 -- table names come from the fixed lists above
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clean %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (t *tool) truncateAll(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `TRUNCATE api_usage, login_history, api_keys, users`)
	if err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	return nil
}

// createAdmin inserts a verified admin unless an admin already exists
func (t *tool) createAdmin(ctx context.Context, username, email, password string) (bool, error) {
	var existing []string
	if err := t.db.SelectContext(ctx, &existing, `SELECT username FROM users WHERE is_admin = TRUE LIMIT 1`); err != nil {
		return false, fmt.Errorf("failed to look up admins: %w", err)
	}
	if len(existing) > 0 {
		fmt.Fprintf(t.out, "Admin user already exists: %s\n", existing[0])
		return false, nil
	}

	hash, err := auth.HashPassword(password, t.bcryptCost)
	if err != nil {
		return false, err
	}
	user := &models.User{
		Username:     username,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		IsAdmin:      true,
		OTPVerified:  true,
	}
	if err := t.users.CreateUser(ctx, user); err != nil {
		return false, fmt.Errorf("failed to create admin user: %w", err)
	}

	fmt.Fprintln(t.out, "Default admin user created:")
	fmt.Fprintf(t.out, "   Username: %s\n", user.Username)
	fmt.Fprintf(t.out, "   Email: %s\n", user.Email)
	fmt.Fprintln(t.out, "   Change the password after first login.")
	return true, nil
}
