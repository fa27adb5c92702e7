package main

import "github.com/tinyclawhq/tinyclaw/cmd"

func main() {
	cmd.Execute()
}
