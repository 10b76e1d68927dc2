package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kwv/cloudmesh/mesh"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// Version is set at build time via -ldflags
var Version = "dev"

const (
	flagConfig    = "config"
	flagDebug     = "debug"
	flagHTTPPort  = "http-port"
	flagOutput    = "output"
	flagFormat    = "format"
	flagEstimator = "estimator"
	flagMatcher   = "matcher"
	flagSeed      = "seed"
)

func newCLIApp() *cli.App {
	return &cli.App{
		Name:    "cloudmesh",
		Usage:   "build a point-cloud map from a stream of depth frames",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "register frames from MQTT and serve the map over HTTP",
				Action: serveAction,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagHTTPPort,
						Usage: "enable the HTTP server on this port (overrides http.port)",
					},
				},
			},
			{
				Name:      "register",
				Usage:     "register frame files or http(s) frame URLs in order into one map",
				ArgsUsage: "<frame file or URL>...",
				Action:    registerAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    flagOutput,
						Aliases: []string{"o"},
						Usage:   "write the final map to `FILE`",
					},
					&cli.StringFlag{
						Name:  flagFormat,
						Usage: "output format: png, svg, vector-png or geojson (default from the file extension)",
					},
					&cli.StringFlag{
						Name:  flagEstimator,
						Usage: "rotation estimator: direct or kabsch (overrides registration.estimator)",
					},
					&cli.StringFlag{
						Name:  flagMatcher,
						Usage: "nearest-neighbour matcher: linear or kdtree (overrides registration.matcher)",
					},
					&cli.Int64Flag{
						Name:  flagSeed,
						Usage: "sampling seed for reproducible runs (overrides registration.seed)",
					},
				},
			},
		},
	}
}

func main() {
	if err := newCLIApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads the configuration and logger shared by every command. The
// config file is only required when --config was given explicitly.
func setup(c *cli.Context) (*mesh.Config, *zap.SugaredLogger, error) {
	config, err := loadConfig(c.String(flagConfig), c.IsSet(flagConfig))
	if err != nil {
		return nil, nil, err
	}
	if c.Bool(flagDebug) {
		config.Logging.Level = "debug"
	}
	logger, err := mesh.NewLogger(config.Logging)
	if err != nil {
		return nil, nil, err
	}
	return config, logger, nil
}

func serveAction(c *cli.Context) error {
	config, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if c.IsSet(flagHTTPPort) {
		config.HTTP.Enabled = true
		config.HTTP.Port = c.Int(flagHTTPPort)
	}

	app, err := NewApp(config, logger, nil, c.App.Writer)
	if err != nil {
		return err
	}
	logger.Infow("cloudmesh starting", "version", Version)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.RunService(ctx)
}

func registerAction(c *cli.Context) error {
	config, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if c.IsSet(flagEstimator) {
		config.Registration.Estimator = c.String(flagEstimator)
	}
	if c.IsSet(flagMatcher) {
		config.Registration.Matcher = c.String(flagMatcher)
	}
	if c.IsSet(flagSeed) {
		config.Registration.Seed = c.Int64(flagSeed)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	app, err := NewApp(config, logger, nil, c.App.Writer)
	if err != nil {
		return err
	}
	if c.NArg() == 0 {
		return errors.Errorf("usage: %s register %s", c.App.Name, c.Command.ArgsUsage)
	}
	return app.RunRegister(c.Args().Slice(), c.String(flagOutput), c.String(flagFormat))
}
