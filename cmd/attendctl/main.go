package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"campusattend/internal/app"
	"campusattend/internal/auth"
	"campusattend/internal/config"
	"campusattend/internal/logging"
)

var flagSubject = &cli.StringFlag{
	Name:     "subject",
	Usage:    "Account id the token is issued to",
	Required: true,
}

var flagRole = &cli.StringFlag{
	Name:  "role",
	Value: auth.RoleStudent,
	Usage: "student, teacher or admin",
}

var flagTTL = &cli.DurationFlag{
	Name:  "ttl",
	Value: time.Hour,
}

var flagFile = &cli.StringFlag{
	Name:  "file",
	Value: "-",
	Usage: "Lecture JSON file, - for stdin",
}

var flagLecture = &cli.StringFlag{
	Name:     "lecture",
	Required: true,
}

var flagStudent = &cli.StringFlag{
	Name:     "student",
	Required: true,
}

var flagBy = &cli.StringFlag{
	Name:     "by",
	Usage:    "Instructor or admin recorded as the override author",
	Required: true,
}

var flagReason = &cli.StringFlag{
	Name:     "reason",
	Required: true,
}

var flagSpool = &cli.StringFlag{
	Name:  "spool",
	Usage: "Offline spool path (defaults to OFFLINE_SPOOL_PATH)",
}

var flagSession = &cli.StringFlag{
	Name:  "session",
	Value: "cli",
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	cliApp := &cli.App{
		Name:  "attendctl",
		Usage: "operate the attendance service",
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "issue an access token",
				Flags: []cli.Flag{flagSubject, flagRole, flagTTL},
				Action: func(cCtx *cli.Context) error {
					pair, err := auth.Issue(cCtx.String(flagSubject.Name), cCtx.String(flagRole.Name),
						cfg.JWTIssuer, cfg.JWTSigningKey, cCtx.Duration(flagTTL.Name), 0)
					if err != nil {
						return err
					}
					fmt.Println(pair.AccessToken)
					return nil
				},
			},
			{
				Name:  "qr",
				Usage: "print a QR payload for a lecture",
				Flags: []cli.Flag{flagLecture, flagSession, flagTTL},
				Action: func(cCtx *cli.Context) error {
					payload, err := qrPayload(cCtx.String(flagLecture.Name), cCtx.String(flagSession.Name),
						cCtx.Duration(flagTTL.Name), cfg.QRSigningKey, time.Now())
					if err != nil {
						return err
					}
					fmt.Println(payload)
					return nil
				},
			},
			{
				Name:  "lecture",
				Usage: "manage lectures",
				Subcommands: []*cli.Command{
					{
						Name:  "put",
						Usage: "store a lecture from JSON",
						Flags: []cli.Flag{flagFile},
						Action: func(cCtx *cli.Context) error {
							core, err := open(cCtx, cfg)
							if err != nil {
								return err
							}
							defer core.Close()

							in := os.Stdin
							if path := cCtx.String(flagFile.Name); path != "-" {
								f, err := os.Open(path)
								if err != nil {
									return err
								}
								defer f.Close()
								in = f
							}
							l, err := putLecture(cCtx.Context, core.Lectures, in)
							if err != nil {
								return err
							}
							fmt.Printf("stored lecture %s\n", l.ID)
							return nil
						},
					},
				},
			},
			{
				Name:  "override",
				Usage: "confirm a pending attempt manually",
				Flags: []cli.Flag{flagLecture, flagStudent, flagBy, flagReason},
				Action: func(cCtx *cli.Context) error {
					core, err := open(cCtx, cfg)
					if err != nil {
						return err
					}
					defer core.Close()

					a, err := core.Stay.Override(cCtx.Context, cCtx.String(flagLecture.Name),
						cCtx.String(flagStudent.Name), cCtx.String(flagBy.Name), cCtx.String(flagReason.Name))
					if err != nil {
						return err
					}
					return printJSON(os.Stdout, a)
				},
			},
			{
				Name:  "dead-letters",
				Usage: "list offline attempts that exhausted their retries",
				Flags: []cli.Flag{flagSpool},
				Action: func(cCtx *cli.Context) error {
					path := cCtx.String(flagSpool.Name)
					if path == "" {
						path = cfg.OfflineSpoolPath
					}
					return listDeadLetters(cCtx.Context, path, os.Stdout)
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func open(cCtx *cli.Context, cfg config.App) (*app.Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Setup(logging.Options{Debug: cfg.LogDebug, Service: "attendctl", Output: os.Stderr})
	return app.Build(cCtx.Context, cfg, logger, nil)
}
