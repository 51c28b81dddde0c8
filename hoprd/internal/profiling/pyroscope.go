//go:build pyroscope
// +build pyroscope

package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start initializes Pyroscope profiling against serverAddress, falling
// back to PYROSCOPE_SERVER_ADDRESS when empty.
func Start(log *logging.Logger, serverAddress string) error {
	log.Info("Starting Pyroscope")

	if serverAddress == "" {
		serverAddress = os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	}
	if serverAddress == "" {
		return errors.New("no Pyroscope server address configured")
	}

	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = "hoprd"
	}

	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": "hoprd",
		},
	})
	if err != nil {
		return err
	}
	log.Infof("Pyroscope started successfully at %s, app name: %s", serverAddress, appName)
	return nil
}
