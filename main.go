package main

import "github.com/minesa-org/kaeru/cmd"

func main() {
	cmd.Execute()
}
