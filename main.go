package main

import "github.com/mihaisavezi/claude-route-proxy/cmd"

func main() {
	cmd.Execute()
}
