// Command admin provisions the manager role, which users cannot grant
// themselves through /register.
//
//	admin promote <username>
//	admin demote <username>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"relaychat/internal/config"
	"relaychat/internal/db"
	"relaychat/internal/logger"
	"relaychat/internal/user"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: admin promote|demote <username>")
	}
	flag.Parse()
	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "admin: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) != 2 {
		flag.Usage()
		return errors.New("expected a command and a username")
	}
	var staff bool
	switch args[0] {
	case "promote":
		staff = true
	case "demote":
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Production: cfg.IsProduction()})
	if err != nil {
		return err
	}
	defer log.Sync()

	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret, cfg.TokenTTL)
	if err := svc.SetStaff(ctx, args[1], staff); err != nil {
		return err
	}
	log.Info("manager role updated", zap.String("username", args[1]), zap.Bool("is_staff", staff))
	return nil
}
