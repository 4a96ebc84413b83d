package main

import "github.com/audiolibrelab/reclink/cmd"

func main() {
	cmd.Execute()
}
