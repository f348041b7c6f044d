package main

import (
	"log"

	"blockmusic/services/aggregator"
)

func main() {
	if err := aggregator.Main(); err != nil {
		log.Fatalf("playaggd: %v", err)
	}
}
