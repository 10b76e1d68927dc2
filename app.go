package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/kwv/cloudmesh/mesh"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *mesh.Config
	Logger     *zap.SugaredLogger
	Clock      clock.Clock
	Session    *mesh.Session
	MQTTClient *mesh.MQTTClient
	Publisher  *mesh.Publisher

	// Out receives the human-readable command output.
	Out io.Writer
}

// NewApp builds the session described by config.
func NewApp(config *mesh.Config, logger *zap.SugaredLogger, clk clock.Clock, out io.Writer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.New()
	}
	if out == nil {
		out = io.Discard
	}
	icp, err := config.Registration.ICPConfig()
	if err != nil {
		return nil, err
	}
	return &App{
		Config:  config,
		Logger:  logger,
		Clock:   clk,
		Session: mesh.NewSession(icp, config.Registration.QueueSize, logger.Named("session"), clk),
		Out:     out,
	}, nil
}

// loadConfig reads path. A missing file is only an error when required;
// otherwise the defaults are used.
func loadConfig(path string, required bool) (*mesh.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && !required {
		return mesh.DefaultConfig(), nil
	}
	return mesh.LoadConfig(path)
}

// RunRegister registers frame files in order into one map and prints a line
// per frame. Rejected frames are reported and skipped. When output is set
// the final map is written there as a preview.
func (a *App) RunRegister(files []string, output, format string) error {
	if len(files) == 0 {
		return errors.New("no frame files given")
	}

	failed := 0
	for _, file := range files {
		frame, err := mesh.ReadFrameSource(context.Background(), file)
		if err != nil {
			failed++
			a.Logger.Warnw("skipping frame file", "file", file, "error", err)
			_, _ = fmt.Fprintf(a.Out, "%s: ERROR: %v\n", file, err)
			continue
		}

		result, err := a.Session.AddFrame(frame)
		if err != nil {
			failed++
			a.Logger.Warnw("frame rejected", "file", file, "error", err)
			_, _ = fmt.Fprintf(a.Out, "%s: REJECTED: %v\n", file, err)
			continue
		}
		_, _ = fmt.Fprintln(a.Out, describeResult(file, result))
	}

	status := a.Session.Status()
	_, _ = fmt.Fprintf(a.Out, "\nFrames: %d registered, %d failed\n", status.Frames, failed)
	_, _ = fmt.Fprintf(a.Out, "Map points: %d\n", status.Points)
	_, _ = fmt.Fprintf(a.Out, "Path length: %.3f\n", status.PathLength)
	t := status.Cumulative.TranslationRow()
	_, _ = fmt.Fprintf(a.Out, "Sensor offset: (%.3f, %.3f, %.3f)\n", t.X, t.Y, t.Z)

	if status.Frames == 0 {
		return errors.Errorf("no frame of %d could be registered", len(files))
	}

	if output != "" {
		if err := writeOutput(output, format, a.Session.Points(), status); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.Out, "Wrote %s\n", output)
	}
	return nil
}

func describeResult(file string, r mesh.FrameResult) string {
	if r.Bootstrap {
		return fmt.Sprintf("%s: frame %d bootstrap, +%d points (map %d)", file, r.Frame, r.PointsAdded, r.MapSize)
	}
	reg := r.Registration
	return fmt.Sprintf("%s: frame %d %s after %d iterations, cost %.3g, residual %.3g±%.3g, +%d points (map %d)",
		file, r.Frame, reg.State, reg.Iterations, reg.Cost, reg.Residual.Mean, reg.Residual.StdDev, r.PointsAdded, r.MapSize)
}

// outputFormat resolves an empty format from the file extension.
func outputFormat(output, format string) string {
	if format != "" {
		return strings.ToLower(format)
	}
	switch strings.ToLower(filepath.Ext(output)) {
	case ".svg":
		return "svg"
	case ".geojson":
		return "geojson"
	default:
		return "png"
	}
}

// geojsonSnap is the XY cell size used to thin exported points.
const geojsonSnap = 0.05

// writeOutput writes the map as a raster preview (png), a vector preview
// (svg or vector-png) or a GeoJSON feature collection (geojson).
func writeOutput(path, format string, points []r3.Vector, status mesh.Status) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}
	defer func() { _ = f.Close() }()

	if err := renderTo(f, outputFormat(path, format), points, status); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

func renderTo(w io.Writer, format string, points []r3.Vector, status mesh.Status) error {
	switch format {
	case "png":
		r := mesh.NewPreviewRenderer(points, status.Path)
		r.Title = previewTitle(status)
		return r.RenderPNG(w)
	case "svg":
		return mesh.NewVectorRenderer(points, status.Path).RenderToSVG(w)
	case "vector-png":
		return mesh.NewVectorRenderer(points, status.Path).RenderToPNG(w)
	case "geojson":
		return json.NewEncoder(w).Encode(mesh.MapToFeatureCollection(points, status, geojsonSnap))
	default:
		return errors.Errorf("unknown output format %q (want png, svg, vector-png or geojson)", format)
	}
}

func previewTitle(status mesh.Status) string {
	return fmt.Sprintf("frames %d  points %d", status.Frames, status.Points)
}

// mqttBroker returns the broker the service would connect to.
func (a *App) mqttBroker() string {
	if b := os.Getenv("MQTT_BROKER"); b != "" {
		return b
	}
	return a.Config.MQTT.Broker
}

// handleFrame queues frames decoded from MQTT.
func (a *App) handleFrame(topic string, frame []r3.Vector, err error) {
	if err != nil {
		return
	}
	if err := a.Session.Submit(frame); err != nil {
		a.Logger.Warnw("frame dropped", "topic", topic, "points", len(frame), "error", err)
	}
}

// handleControl applies a command from the control topic.
func (a *App) handleControl(command string) {
	switch command {
	case mesh.CommandReset:
		a.Session.Reset()
	case mesh.CommandStart:
		a.Session.SetRecording(true)
	case mesh.CommandStop:
		a.Session.SetRecording(false)
	}
}

// RunService runs the registration worker plus MQTT and HTTP until ctx is done.
func (a *App) RunService(ctx context.Context) error {
	broker := a.mqttBroker()
	if broker == "" && !a.Config.HTTP.Enabled {
		return errors.New("nothing to serve: set mqtt.broker (or MQTT_BROKER) or http.enabled")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = a.Session.Run(ctx)
	}()

	if broker != "" {
		prefix := a.Config.MQTT.PublishPrefix
		controlTopic := mesh.NewPublisher(nil, prefix, nil, a.Clock).ControlTopic()

		client, err := mesh.InitMQTT(ctx, a.Config, controlTopic, a.handleFrame, a.handleControl, a.Logger.Named("mqtt"))
		if err != nil {
			return errors.Wrap(err, "initializing MQTT")
		}
		a.MQTTClient = client
		a.Publisher = mesh.NewPublisher(client.GetClient(), prefix, a.Logger.Named("publisher"), a.Clock)
		a.Session.OnFrame(a.Publisher.HandleFrame)

		a.Logger.Infow("MQTT enabled",
			"frameTopic", a.Config.MQTT.FrameTopic,
			"depthTopic", a.Config.MQTT.DepthTopic,
			"controlTopic", a.Publisher.ControlTopic(),
			"registrationTopic", a.Publisher.RegistrationTopic(),
			"statusTopic", a.Publisher.StatusTopic())
	}

	var server *http.Server
	serverErr := make(chan error, 1)
	if a.Config.HTTP.Enabled {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.Session, a.Logger.Named("http"), a.Clock),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.Logger.Infow("starting HTTP server", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	a.Logger.Infow("service running", "session", a.Session.ID())

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = errors.Wrap(err, "HTTP server")
	}

	a.Logger.Info("shutting down service")
	cancel()
	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warnw("HTTP shutdown", "error", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	<-workerDone
	a.Logger.Info("service stopped")
	return runErr
}
