package main

import "trainsync/internal/cli"

func main() {
	cli.Execute()
}
