package main

import "github.com/Dyas-07/bot/cmd"

func main() {
	cmd.Execute()
}
