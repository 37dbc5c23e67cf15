package main

import "github.com/wkalt/objectserver/cli/cmd"

func main() {
	cmd.Execute()
}
