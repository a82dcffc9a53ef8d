package main

import "github.com/ywci/tbc/internal/cli"

func main() {
	cli.Execute()
}
