package main

import "github.com/kestrelnet/kestreld/cmd"

func main() {
	cmd.Execute()
}
