package main

import (
	"os"

	"meetingengine/cmd/meetingengine/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
