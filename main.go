package main

import (
	"github.com/robodyne/robosync/cmd"
	"github.com/robodyne/robosync/internal/log"
)

func main() {
	log.InitLogger()
	cmd.Execute()
}
