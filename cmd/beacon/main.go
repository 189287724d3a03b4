package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"beacon/cmd/internal/app"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var runArgs app.RunArgs

var tokenArgs struct {
	Subject string
	TTL     time.Duration
}

func main() {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	cliApp := &cli.App{
		Name:        "beacon",
		Usage:       "real-time notification fan-out with abuse throttling",
		Description: "Pushes notifications to WebSocket subscribers and throttles abusive clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file (yaml, json or toml). Defaults plus BEACON_* env if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"BEACON_CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &runArgs.ConfigFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]. Overrides log.level.",
				Aliases:     []string{"l"},
				Destination: &runArgs.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "Logging format: [json pretty]. Overrides log.format.",
				Destination: &runArgs.LogFormat,
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the Beacon server",
				Description: "Serves /ws, /internal/notify, /stats, /metrics and the health probes",
				Action:      serve,
			},
			{
				Name:        "token",
				Usage:       "Issue a signed subject token",
				Description: "Signs a subject token with auth.subject_token_key for WebSocket clients",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "subject",
						Usage:       "Subject the token authenticates",
						Aliases:     []string{"s"},
						Required:    true,
						Destination: &tokenArgs.Subject,
					},
					&cli.DurationFlag{
						Name:        "ttl",
						Usage:       "Token lifetime",
						Value:       24 * time.Hour,
						DefaultText: "24h",
						Destination: &tokenArgs.TTL,
					},
				},
				Action: issueToken,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(_ *cli.Context) error {
	return app.Run(runArgs)
}

func issueToken(c *cli.Context) error {
	tok, err := app.IssueSubjectToken(runArgs.ConfigFile, tokenArgs.Subject, tokenArgs.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, tok)
	return err
}
