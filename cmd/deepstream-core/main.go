// Command deepstream-core is the process entrypoint: load config, build the
// zap logger, wire the server, and block until an OS signal asks it to stop.
//
// Grounded on the teacher's cmd/main.go startup sequence, generalized to
// spf13/viper config loading and go.uber.org/zap logging per SPEC_FULL.md's
// ambient-stack section.
package main

import (
	"log"

	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"

	"github.com/hoxton-one/deepstream-core-go/internal/config"
	"github.com/hoxton-one/deepstream-core-go/internal/logging"
	"github.com/hoxton-one/deepstream-core-go/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zapLogger.Sync()

	srv, err := server.New(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to construct server", zap.Error(err))
	}

	if err := srv.Run(); err != nil {
		zapLogger.Fatal("server error", zap.Error(err))
	}
}
