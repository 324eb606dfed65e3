package main

import "engwewatch/internal/cli"

func main() {
	cli.Execute()
}
