package main

import "github.com/ict/ebb/cmd/ebb/app"

func main() {
	app.Execute()
}
