package main

import "go-lora-helper/cmd/lora-helper/cmd"

func main() {
	cmd.Execute()
}
