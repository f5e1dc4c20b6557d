package main

import (
	"flag"

	"github.com/leshachaplin/spyglass/app"
	"github.com/leshachaplin/spyglass/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file, environment only when empty")
	flag.Parse()

	app.New(func() (config.Config, error) {
		return config.Load(*cfgPath)
	}).Start()
}
