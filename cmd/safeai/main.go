package main

import "github.com/safeai-dev/safeai/cmd/safeai/cmd"

func main() {
	cmd.Execute()
}
