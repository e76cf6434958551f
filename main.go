package main

import "github.com/mordilloSan/quickfind/cmd"

func main() {
	cmd.Execute()
}
