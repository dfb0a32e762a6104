package main

import "github.com/votoseguro/urnago/urna/cmd"

func main() {
	cmd.Execute()
}
