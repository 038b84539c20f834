package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/grpcapi"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/ids"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/obs"
)

func main() {
	log := obs.Logger()
	addr := envOr("GYB_SMOKE_GRPC_ADDR", "localhost:9090")
	authority := envOr("GYB_SMOKE_AUTHORITY", "root")
	operatorKey := os.Getenv("GYB_OPERATOR_KEY")
	if operatorKey == "" {
		log.Fatal().Msg("GYB_OPERATOR_KEY is required")
	}

	client, err := grpcapi.Dial(addr)
	if err != nil {
		log.Fatal().Err(err).Msgf("dial govd at %s", addr)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	as := func(id string) *grpcapi.Client {
		token, _, err := client.IssueToken(ctx, operatorKey, id)
		if err != nil {
			log.Fatal().Err(err).Str("identity_id", id).Msg("issue token")
		}
		return client.WithToken(token)
	}

	suffix := ids.New()
	proposer, approver, target := "smoke-p-"+suffix, "smoke-a-"+suffix, "smoke-t-"+suffix

	root := as(authority)
	if _, err := root.CreateIdentity(ctx, proposer, 2, "smoke proposer", ""); err != nil {
		log.Fatal().Err(err).Msg("create proposer")
	}
	if _, err := root.CreateIdentity(ctx, approver, 3, "smoke approver", ""); err != nil {
		log.Fatal().Err(err).Msg("create approver")
	}

	prop, err := as(proposer).ProposeAction(ctx, governance.ActionCreateIdentity, target, governance.Payload{Level: 2, Name: "smoke target"})
	if err != nil {
		log.Fatal().Err(err).Msg("propose")
	}
	if prop.Executed {
		log.Fatal().Msg("proposal by a non-authority executed immediately")
	}

	if _, err := as(proposer).ApproveAction(ctx, prop.ActionID); !errors.Is(err, governance.ErrUnauthorizedApprover) {
		log.Fatal().Err(err).Msg("expected proposer self-approval to be rejected")
	}
	executed, err := as(approver).ApproveAction(ctx, prop.ActionID)
	if err != nil {
		log.Fatal().Err(err).Msg("approve")
	}
	if !executed {
		log.Fatal().Msg("approval did not execute the action")
	}

	ident, err := root.GetIdentity(ctx, target)
	if err != nil {
		log.Fatal().Err(err).Msg("get target")
	}
	if !ident.Exists || ident.Level != 2 {
		log.Fatal().Msgf("unexpected target identity: %+v", ident)
	}

	fmt.Printf("govd smoke test passed: action=%s target=%s\n", prop.ActionID, target)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
