package main

import "github.com/olamilekan000/readerq/cmd"

func main() {
	cmd.Run()
}
