package main

import "github.com/busybox42/relayq/cmd/relayq/commands"

func main() {
	commands.Execute()
}
