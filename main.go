package main

import "github.com/Norgate-AV/linter-cache/cmd"

func main() {
	cmd.Execute()
}
