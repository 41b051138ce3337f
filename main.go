package main

import "github.com/audiolibrelab/blackbox/cmd"

func main() {
	cmd.Execute()
}
