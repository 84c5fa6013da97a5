package main

import "autobackup/internal/cli"

func main() {
	cli.Execute()
}
