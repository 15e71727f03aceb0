package main

import (
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/pkg/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal("Command failed", zap.Error(err))
	}
}
