package main

import "github.com/polaris-id/polaris/cmd/polarisd/cmd"

func main() {
	cmd.Execute()
}
