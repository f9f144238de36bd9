package main

import "statesaver/cmd"

func main() {
	cmd.Execute()
}
