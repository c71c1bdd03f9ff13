// Copyright 2024 The Refsearch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/refsearch/refsearch/cmd"
	"github.com/refsearch/refsearch/server"
)

var (
	version  string = "dev"
	commitID string = "unknown"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "build":
			cmd.BuildParse(os.Args[2:], tmpLogger)
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args[1:])
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Refsearch starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver))
	startupLogger.Info("Data directory", zap.String("path", config.GetDataDir()))
	startupLogger.Info("Index directory", zap.String("path", config.GetIndexDir()))

	metrics := server.NewMetrics(logger, startupLogger, config)
	engine := server.NewLocalSearchEngine(logger, startupLogger, config, metrics)
	apiServer := server.StartApiServer(logger, startupLogger, config, metrics, engine)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	startupLogger.Info("Shutting down")
	apiServer.Stop()
	engine.Stop()
	metrics.Stop(logger)

	startupLogger.Info("Shutdown complete")
}
