package main

import "github.com/ValentinKolb/kscan/cmd"

func main() {
	cmd.Execute()
}
