package main

import "chatflow/cmd"

func main() {
	cmd.Execute()
}
