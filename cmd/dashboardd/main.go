package main

import (
	"log"

	"lendingdash/services/dashboardd"
)

func main() {
	if err := dashboardd.Main(); err != nil {
		log.Fatalf("dashboardd: %v", err)
	}
}
