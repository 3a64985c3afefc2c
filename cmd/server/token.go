package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/auth"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/config"
)

// tokenCommand mints account tokens for local clients and load tests.
func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Print an account token signed with the configured secret",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "account",
				Aliases:  []string{"a"},
				Usage:    "Account `ID` to sign for",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			authenticator, err := auth.New(cfg.Auth.Secret, cfg.Auth.InternalTTL)
			if err != nil {
				return err
			}
			token, err := authenticator.IssueAccountToken(c.String("account"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}
