package main

import "github.com/harmony-development/overture/cmd"

func main() {
	cmd.Execute()
}
