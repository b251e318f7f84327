package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/escrowlink/backend/internal/app"
	"github.com/escrowlink/backend/internal/auth"
	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/db"
	"github.com/escrowlink/backend/internal/models"
	"github.com/escrowlink/backend/internal/rbac"
	"github.com/escrowlink/backend/internal/services"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const usage = `usage: escrowctl <command> [args]

commands:
  migrate                      apply pending migrations
  sweep                        expire overdue paid escrows
  retry-notify                 re-send undelivered confirmation codes
  reconcile                    verify pending payments with the gateway
  refund <escrow-id> [reason]  refund a pending or paid escrow
  resend-code <escrow-id>      re-send the confirmation code of a paid escrow
  token <user-id> <role>       mint an API token (roles: seller, support, admin)
`

func main() {
	actorFlag := flag.String("actor", "", "operator user id recorded in the audit log")
	timeout := flag.Duration("timeout", time.Minute, "overall command timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()

	if args[0] == "token" {
		if err := mintToken(cfg, args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	deps, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize", zap.Error(err))
	}
	defer deps.Close()

	actor, err := operator(*actorFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(ctx, deps, cfg, actor, args, log); err != nil {
		log.Error("command failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, deps *app.Deps, cfg *config.Config, actor services.Actor, args []string, log *zap.Logger) error {
	svc := deps.Escrow

	switch args[0] {
	case "migrate":
		return db.RunMigrations(ctx, deps.Pool, cfg.MigrationsDir, log)

	case "sweep":
		n, err := svc.SweepExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("expired %d escrow(s)\n", n)

	case "retry-notify":
		n, err := svc.RetryNotifications(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("sent %d confirmation code(s)\n", n)

	case "reconcile":
		n, err := svc.ReconcilePending(ctx, cfg.ReconcileMinPendingAge, nil)
		if err != nil {
			return err
		}
		fmt.Printf("marked %d escrow(s) paid\n", n)

	case "refund":
		id, err := escrowID(args)
		if err != nil {
			return err
		}
		reason := ""
		if len(args) > 2 {
			reason = args[2]
		}
		tx, err := svc.Refund(ctx, id, actor, reason)
		if err != nil {
			return err
		}
		fmt.Printf("escrow %s refunded (logistics released: %t)\n", tx.ID, tx.LogisticsReleased)

	case "resend-code":
		id, err := escrowID(args)
		if err != nil {
			return err
		}
		if err := svc.ResendConfirmationCode(ctx, id); err != nil {
			return err
		}
		fmt.Printf("confirmation code re-sent for %s\n", id)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func escrowID(args []string) (uuid.UUID, error) {
	if len(args) < 2 {
		return uuid.Nil, fmt.Errorf("%s requires an escrow id", args[0])
	}
	id, err := uuid.Parse(args[1])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid escrow id %q: %w", args[1], err)
	}
	return id, nil
}

// operator is the audit actor for CLI actions: the given admin, or system.
func operator(raw string) (services.Actor, error) {
	if raw == "" {
		return services.SystemActor, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return services.Actor{}, fmt.Errorf("invalid -actor %q: %w", raw, err)
	}
	return services.Actor{UserID: &id, Type: models.ActorTypeAdmin}, nil
}

func mintToken(cfg *config.Config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("token requires <user-id> <role>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", args[0], err)
	}
	if !rbac.IsValidRole(args[1]) {
		return fmt.Errorf("unknown role %q", args[1])
	}
	tok, err := auth.GenerateJWT(cfg.JWTSecret, id, args[1], cfg.JWTExpiration)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
