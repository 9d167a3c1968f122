package main

import "github.com/chozzz/vargos-sub004/cmd"

func main() {
	cmd.Execute()
}
