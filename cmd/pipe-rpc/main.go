package main

import (
	"log"

	"pipe-rpc/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatal(err)
	}
}
