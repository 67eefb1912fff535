package main

import (
	"price-alert-mailer/internal/cli"
)

func main() {
	cli.Execute()
}
