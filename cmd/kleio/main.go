package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("command failed")
		os.Exit(1)
	}
}
