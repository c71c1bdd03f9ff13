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

package cmd

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/refsearch/refsearch/internal/index"
)

type buildService struct {
	logger    *zap.Logger
	inputPath string
	outputDir string
	version   string
}

// BuildParse runs the index build subcommand: it consumes a JSON-lines
// record stream produced by the upstream conversion pipeline and emits the
// two-tier artifact set.
func BuildParse(args []string, logger *zap.Logger) {
	bs := &buildService{logger: logger}

	flags := flag.NewFlagSet("build", flag.ExitOnError)
	flags.StringVar(&bs.inputPath, "input", "", "Path to the JSON-lines record stream. '-' reads stdin.")
	flags.StringVar(&bs.outputDir, "output", "", "Directory to write index artifacts into.")
	flags.StringVar(&bs.version, "version", "", "Build version identifier. Defaults to a generated value.")
	if err := flags.Parse(args); err != nil {
		logger.Fatal("Could not parse build flags", zap.Error(err))
	}
	if bs.inputPath == "" || bs.outputDir == "" {
		logger.Fatal("Build requires both --input and --output")
	}
	if bs.version == "" {
		buildID, err := uuid.NewV4()
		if err != nil {
			logger.Fatal("Could not generate build version", zap.Error(err))
		}
		bs.version = fmt.Sprintf("%s+%s", index.FormatVersion, buildID.String()[:8])
	}

	start := time.Now()
	count, err := bs.run()
	if err != nil {
		logger.Fatal("Index build failed", zap.Error(err))
	}
	logger.Info("Index build complete",
		zap.String("output", bs.outputDir),
		zap.String("version", bs.version),
		zap.Int("records", count),
		zap.Duration("elapsed", time.Since(start)))
	os.Exit(0)
}

func (bs *buildService) run() (int, error) {
	in := os.Stdin
	if bs.inputPath != "-" {
		f, err := os.Open(bs.inputPath)
		if err != nil {
			return 0, fmt.Errorf("open record stream: %w", err)
		}
		defer f.Close()
		in = f
	}

	builder := index.NewBuilder(bs.logger)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec index.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return count, fmt.Errorf("parse record on line %d: %w", count+1, err)
		}
		if err := builder.Add(rec); err != nil {
			return count, fmt.Errorf("index record on line %d: %w", count+1, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read record stream: %w", err)
	}

	built, err := builder.Finalize()
	if err != nil {
		return count, err
	}
	return count, index.WriteArtifacts(bs.logger, built, bs.outputDir, bs.version)
}
