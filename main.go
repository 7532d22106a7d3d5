package main

import "github.com/SaneDevelopers/GhostFS/cmd"

func main() {
	cmd.Execute()
}
