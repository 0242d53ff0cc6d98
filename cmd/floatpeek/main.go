package main

import "github.com/bryanchriswhite/FloatPeek/cmd/floatpeek/commands"

func main() {
	commands.Execute()
}
