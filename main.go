package main

import "github.com/tanq16/hlsdl/cmd"

func main() {
	cmd.Execute()
}
