package main

import (
	"github.com/mnemon-ai/mnemon/internal/server"
	"github.com/mnemon-ai/mnemon/internal/util"
	"github.com/mnemon-ai/mnemon/pkg/logger"
	"github.com/mnemon-ai/mnemon/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
