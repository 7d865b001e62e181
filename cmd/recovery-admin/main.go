package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/vaultmesh/recovery-service-backend/api"
	"github.com/vaultmesh/recovery-service-backend/cmd/flags"
)

var serverURLFlag = &cli.StringFlag{
	Name:  "server-url",
	Value: "http://127.0.0.1:8080",
	Usage: "base URL of the recovery API",
}

func main() {
	app := &cli.App{
		Name:  "recovery-admin",
		Usage: "Operate on a running recovery service",
		Flags: []cli.Flag{
			serverURLFlag,
			flags.LogJSONFlag,
			flags.LogDebugFlag,
			flags.LogUIDFlag,
			flags.LogServiceFlag,
		},
		Commands: []*cli.Command{
			{
				Name:      "setup",
				Usage:     "Create a recovery setup from a JSON request file",
				ArgsUsage: "<request.json>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected exactly one request file")
					}
					raw, err := os.ReadFile(cCtx.Args().First())
					if err != nil {
						return err
					}
					var req api.CreateSetupRequest
					if err := json.Unmarshal(raw, &req); err != nil {
						return fmt.Errorf("invalid request file: %w", err)
					}
					client := api.NewClient(cCtx.String(serverURLFlag.Name))
					resp, err := client.CreateSetup(cCtx.Context, req)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:      "audit",
				Usage:     "Fetch and verify an account's audit chain",
				ArgsUsage: "<account-id>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected exactly one account id")
					}
					client := api.NewClient(cCtx.String(serverURLFlag.Name))
					chain, err := client.AuditChain(cCtx.Context, cCtx.Args().First())
					if err != nil {
						return err
					}
					if !chain.Verified {
						fmt.Fprintln(os.Stderr, "WARNING: audit chain verification failed")
					}
					return printJSON(chain.Entries)
				},
			},
			{
				Name:  "sweep",
				Usage: "Expire overdue recovery attempts",
				Action: func(cCtx *cli.Context) error {
					client := api.NewClient(cCtx.String(serverURLFlag.Name))
					resp, err := client.Sweep(cCtx.Context)
					if err != nil {
						return err
					}
					fmt.Printf("expired %d attempt(s)\n", resp.Expired)
					return nil
				},
			},
			{
				Name:      "status",
				Usage:     "Show a recovery attempt's state",
				ArgsUsage: "<attempt-id>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected exactly one attempt id")
					}
					client := api.NewClient(cCtx.String(serverURLFlag.Name))
					status, err := client.Status(cCtx.Context, cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a running recovery attempt",
				ArgsUsage: "<attempt-id>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected exactly one attempt id")
					}
					client := api.NewClient(cCtx.String(serverURLFlag.Name))
					resp, err := client.Cancel(cCtx.Context, cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:      "travel-lock",
				Usage:     "Enable a travel lock on an account",
				ArgsUsage: "<account-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Value: 14,
						Usage: "lock duration in days",
					},
				},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected exactly one account id")
					}
					client := api.NewClient(cCtx.String(serverURLFlag.Name))
					resp, err := client.EnableTravelLock(cCtx.Context, cCtx.Args().First(), cCtx.Int("days"))
					if err != nil {
						return err
					}
					fmt.Printf("travel lock active until %s\n", resp.TravelLockUntil)
					return nil
				},
			},
			{
				Name:      "deactivate",
				Usage:     "Deactivate an account's recovery setup",
				ArgsUsage: "<account-id>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected exactly one account id")
					}
					client := api.NewClient(cCtx.String(serverURLFlag.Name))
					return client.DeactivateSetup(cCtx.Context, cCtx.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
