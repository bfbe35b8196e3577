package main

import (
	"github.com/coven-labs/ritual-engine/cli"
)

var (
	// AppName is the application name
	AppName = "ritual-engine"

	// Version is the app version
	Version = "v0.1.0"
)

func main() {
	cli.Execute(AppName, Version)
}
