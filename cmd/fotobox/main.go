package main

import "github.com/SlyRix/FotoBox-sub000/cmd/fotobox/commands"

func main() {
	commands.Execute()
}
