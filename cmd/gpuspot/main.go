package main

import (
	_ "gpuspot/internal/command/events"
	_ "gpuspot/internal/command/monitor"
	_ "gpuspot/internal/command/offers"
	_ "gpuspot/internal/command/reap"
	"gpuspot/internal/command/root"
	_ "gpuspot/internal/command/run"
)

func main() {
	root.Execute()
}
