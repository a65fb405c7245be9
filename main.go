package main

import "github.com/endorses/clawcat/cmd"

func main() {
	cmd.Execute()
}
