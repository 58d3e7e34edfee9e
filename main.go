package main

import (
	"JukeFM/cmd"
)

func main() {
	cmd.Execute()
}
