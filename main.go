package main

import "github.com/tanq16/torboost/cmd"

func main() {
	cmd.Execute()
}
