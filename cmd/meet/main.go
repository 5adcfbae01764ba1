package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"example.com/meet_client/pkg/config"
)

var version = "dev"

func main() {
	meet := cli.App{
		Name:  "meet",
		Usage: "headless webrtc meeting client",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config, c",
				Usage: "path to a yaml config file",
			},
			cli.StringFlag{
				Name:  "url",
				Usage: "signaling websocket url, overrides the config file",
			},
			cli.BoolFlag{
				Name:   "development",
				EnvVar: "MEET_DEVELOPMENT",
			},
		},
		Action:  run,
		Version: version,
	}

	if err := meet.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cxt *cli.Context) error {
	c, err := config.Load(cxt.String("config"))
	if err != nil {
		return err
	}
	if u := cxt.String("url"); u != "" {
		c.SignalingURL = u
	}
	if cxt.Bool("development") {
		c.DevMode()
	}

	cl, logger, err := c.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newREPL(cl, os.Stdout)
	err = r.Run(ctx, os.Stdin)
	if serr := cl.Shutdown(); serr != nil {
		zap.L().Warn("shutdown failed", zap.Error(serr))
	}
	return err
}
