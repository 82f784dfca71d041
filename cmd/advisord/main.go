package main

import "advisor-ledger/internal/cli"

func main() {
	cli.Execute()
}
