package main

import "listing-sentinel/internal/cli"

func main() {
	cli.Execute()
}
