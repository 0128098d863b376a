package main

import "campusrun/cmd"

func main() {
	cmd.Run()
}
