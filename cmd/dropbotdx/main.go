package main

import (
	"log"
)

func main() {
	if err := executeCliCommand(); err != nil {
		log.Fatalf("command failed: %v", err)
	}
}
