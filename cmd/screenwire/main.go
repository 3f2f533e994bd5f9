package main

import "github.com/bryanchriswhite/ScreenWire/cmd/screenwire/commands"

func main() {
	commands.Execute()
}
