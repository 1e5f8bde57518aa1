package main

import "github.com/nextlevelbuilder/beacon/cmd"

func main() {
	cmd.Execute()
}
