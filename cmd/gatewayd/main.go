package main

import "github.com/oberonpay/gatewayd/internal/cli"

func main() {
	cli.Execute()
}
