package main

import "github.com/rceold/whisperbot/cmd"

func main() {
	cmd.Execute()
}
