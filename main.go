package main

import "github.com/duskward/seance/cmd"

func main() {
	cmd.Execute()
}
