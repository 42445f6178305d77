package main

import "github.com/nextlevelbuilder/chatswarm/cmd"

func main() {
	cmd.Execute()
}
